// Package narrative composes SAR narratives from analysis results,
// through the generation backend or a deterministic fallback.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PreviewLength bounds the prompt and response previews kept for audit.
const PreviewLength = 500

// Input is everything the composer needs for one case.
type Input struct {
	Case              *domain.Case
	Stats             domain.TransactionStatistics
	Findings          []domain.Finding
	Typology          string
	RiskScore         int
	RegulatoryContext string
	TemplateReference string
}

// Narrative is the composed report.
type Narrative struct {
	CaseID   string                   `json:"case_id"`
	Path     domain.GenerationPath    `json:"generation_path"`
	Text     string                   `json:"narrative_text"`
	Sections domain.NarrativeSections `json:"sections"`
	Model    string                   `json:"model_version"`
	Typology string                   `json:"typology"`
	RedFlags []string                 `json:"red_flags"`

	// Confidence mirrors the risk score.
	Confidence int `json:"confidence_score"`

	Audit domain.GenerationAudit `json:"generation_audit"`

	// Err is the backend failure that caused the fallback path.
	Err error `json:"-"`
}

// Fallback reports whether the narrative came from the fallback path.
func (n *Narrative) Fallback() bool {
	return n.Path == domain.PathFallback
}

// Composer builds narratives with one generator.
type Composer struct {
	gen     domain.Generator
	prompts *PromptBuilder
	now     func() time.Time
}

// NewComposer creates a composer. prompts may be nil for the built-in template.
func NewComposer(gen domain.Generator, prompts *PromptBuilder) *Composer {
	if prompts == nil {
		// The built-in template is embedded and known to parse.
		prompts, _ = ParsePrompt(defaultPrompt)
	}
	return &Composer{gen: gen, prompts: prompts, now: time.Now}
}

// ErrNoCase is returned when the input carries no case.
var ErrNoCase = errors.New("narrative input has no case")

// Compose produces a narrative. Backend failures never surface as errors:
// they select the fallback path and are recorded on the result.
func (c *Composer) Compose(ctx context.Context, in Input) (*Narrative, error) {
	if in.Case == nil {
		return nil, ErrNoCase
	}

	prompt := c.prompts.Build(in)
	model := c.gen.Model()

	out := &Narrative{
		CaseID:     in.Case.CaseID,
		Model:      model,
		Typology:   in.Typology,
		RedFlags:   domain.FindingTexts(in.Findings),
		Confidence: in.RiskScore,
	}

	start := c.now()
	text, err := c.generate(ctx, prompt)
	elapsed := c.now().Sub(start)

	if err != nil {
		slog.Warn("generation failed, using fallback narrative", "case_id", in.Case.CaseID, "model", model, "error", err)
		text = Fallback(in)
		out.Path = domain.PathFallback
		out.Err = err
	} else {
		out.Path = domain.PathGenerated
	}

	out.Text = text
	out.Sections = ParseSections(text)
	out.Audit = domain.GenerationAudit{
		Path:            out.Path,
		Model:           model,
		PromptLength:    len(prompt),
		ResponseLength:  len(text),
		DurationSeconds: elapsed.Seconds(),
		PromptPreview:   truncate(prompt, PreviewLength),
		ResponsePreview: truncate(text, PreviewLength),
	}
	if err != nil {
		out.Audit.Error = err.Error()
	}

	return out, nil
}

// generate calls the backend, turning a panic into an error so the
// fallback path still applies.
func (c *Composer) generate(ctx context.Context, prompt string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return c.gen.Generate(ctx, prompt)
}
