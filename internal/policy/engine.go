// Package policy evaluates CEL escalation policies against completed runs.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine holds compiled escalation policies. Safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*CompiledPolicy
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Policy  domain.EscalationPolicy
	Program cel.Program
}

// Input is the view of a run that policies can reference.
type Input struct {
	RiskScore   int
	Typology    string
	Confidence  float64
	Findings    []domain.Finding
	KYC         string
	TotalVolume float64
	Fallback    bool
}

// Outcome is the result of evaluating every loaded policy.
type Outcome struct {
	Results []domain.PolicyResult `json:"results"`
	Matched []string              `json:"matched"`
}

// NewEngine creates an engine with no policies loaded.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("risk_score", cel.IntType),
		cel.Variable("typology", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("findings_count", cel.IntType),
		cel.Variable("findings", cel.ListType(cel.StringType)),
		cel.Variable("kyc", cel.StringType),
		cel.Variable("total_volume", cel.DoubleType),
		cel.Variable("fallback", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Validate compiles a policy without loading it.
func (e *Engine) Validate(p domain.EscalationPolicy) error {
	_, err := e.compile(p)
	return err
}

// Load replaces the loaded policies with the enabled ones in policies.
// On a compile error nothing is replaced.
func (e *Engine) Load(policies []domain.EscalationPolicy) error {
	compiled := make([]*CompiledPolicy, 0, len(policies))
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate policy id: %s", p.ID)
		}
		seen[p.ID] = true

		c, err := e.compile(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// Policies returns the loaded policies in load order.
func (e *Engine) Policies() []domain.EscalationPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.EscalationPolicy, len(e.compiled))
	for i, c := range e.compiled {
		out[i] = c.Policy
	}
	return out
}

// Count returns the number of loaded policies.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Evaluate runs every loaded policy in load order. A policy that fails to
// evaluate is reported with its error and does not match.
func (e *Engine) Evaluate(ctx context.Context, in Input) Outcome {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	kinds := make([]string, len(in.Findings))
	for i, f := range in.Findings {
		kinds[i] = string(f.Kind)
	}

	activation := map[string]any{
		"risk_score":     int64(in.RiskScore),
		"typology":       in.Typology,
		"confidence":     in.Confidence,
		"findings_count": int64(len(in.Findings)),
		"findings":       kinds,
		"kyc":            in.KYC,
		"total_volume":   in.TotalVolume,
		"fallback":       in.Fallback,
	}

	out := Outcome{Results: make([]domain.PolicyResult, 0, len(compiled)), Matched: []string{}}
	for _, c := range compiled {
		res := domain.PolicyResult{PolicyID: c.Policy.ID}

		val, _, err := c.Program.ContextEval(ctx, activation)
		switch {
		case err != nil:
			res.Error = fmt.Sprintf("evaluation error: %v", err)
		case val == types.True:
			res.Matched = true
			out.Matched = append(out.Matched, c.Policy.ID)
		}
		out.Results = append(out.Results, res)
	}
	return out
}

func (e *Engine) compile(p domain.EscalationPolicy) (*CompiledPolicy, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("policy id is required")
	}

	ast, issues := e.env.Compile(p.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", p.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy %s: expression must return bool, got %s", p.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", p.ID, err)
	}
	return &CompiledPolicy{Policy: p, Program: program}, nil
}

type policyFile struct {
	Policies []domain.EscalationPolicy `yaml:"policies"`
}

// LoadFile reads escalation policies from a YAML file of the form
// "policies: [{id, description, expression, enabled}]".
func LoadFile(path string) ([]domain.EscalationPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode policy file %s: %w", path, err)
	}
	return f.Policies, nil
}
