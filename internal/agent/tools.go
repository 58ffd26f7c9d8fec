package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/typology"
)

// Tool servers.
const (
	ServerTransactionAnalyzer = "transaction_analyzer"
	ServerSARTemplates        = "sar_template_engine"
	ServerAuditTrail          = "audit_trail_manager"
)

const (
	templatePreview = 300
	narrativeLimit  = 3000
)

// Tool is one entry of the tool catalog.
type Tool struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the reply to a tool call. Content holds the JSON-encoded result.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

type toolFunc func(ctx context.Context, args map[string]any) (any, error)

type registeredTool struct {
	Tool
	schema *jsonschema.Schema
	fn     toolFunc
}

// Toolbox is the schema-validated tool catalog.
type Toolbox struct {
	stages    Stages
	knowledge Knowledge
	trails    Trails
	order     []string
	tools     map[string]*registeredTool
}

// NewToolbox registers the nine built-in tools.
func NewToolbox(stages Stages, knowledge Knowledge, trails Trails) (*Toolbox, error) {
	tb := &Toolbox{
		stages:    stages,
		knowledge: knowledge,
		trails:    trails,
		tools:     make(map[string]*registeredTool),
	}

	defs := []struct {
		tool Tool
		fn   toolFunc
	}{
		{Tool{"analyze_transactions", ServerTransactionAnalyzer,
			"Analyze a complete case: parse transactions, calculate stats, detect patterns, and compute risk score. Returns full analysis.",
			caseSchema}, tb.analyzeTransactions},
		{Tool{"calculate_baseline", ServerTransactionAnalyzer,
			"Calculate transaction baseline statistics for a case. Returns total volume, averages, date ranges, and counterparty counts.",
			caseSchema}, tb.calculateBaseline},
		{Tool{"classify_typology", ServerTransactionAnalyzer,
			"Classify the crime typology based on detected patterns and alert reason. Returns typology name and confidence percentage.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"patterns": {"type": "array", "items": {"type": "string"}, "description": "List of detected suspicious patterns"},
					"alert_reason": {"type": "string", "description": "Original alert trigger reason"}
				},
				"required": ["patterns"]
			}`)}, tb.classifyTypology},
		{Tool{"retrieve_templates", ServerSARTemplates,
			"Retrieve the most relevant SAR templates from the similarity store based on a case summary query.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1, "description": "Case summary text for similarity search"},
					"top_k": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Number of templates to retrieve (default: 2)"}
				},
				"required": ["query"]
			}`)}, tb.retrieveTemplates},
		{Tool{"generate_narrative", ServerSARTemplates,
			"Generate a complete SAR narrative from full case data and return the structured narrative.",
			caseSchema}, tb.generateNarrative},
		{Tool{"get_regulatory_context", ServerSARTemplates,
			"Get PMLA/RBI regulatory context for a specific crime typology.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"typology": {"type": "string", "description": "Crime typology key (e.g., layering, structuring)"}
				},
				"required": ["typology"]
			}`)}, tb.regulatoryContext},
		{Tool{"log_decision", ServerAuditTrail,
			"Log a decision step in the audit trail with data points and reasoning for regulatory traceability.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"case_id": {"type": "string", "minLength": 1, "description": "Case identifier"},
					"step": {"type": "string", "minLength": 1, "description": "Pipeline step name"},
					"data_points": {"type": "object", "description": "Data accessed"},
					"reasoning": {"type": "string", "description": "Decision reasoning"}
				},
				"required": ["case_id", "step"]
			}`)}, tb.logDecision},
		{Tool{"get_audit_trail", ServerAuditTrail,
			"Retrieve the complete audit trail for a case.",
			caseIDSchema}, tb.auditTrail},
		{Tool{"export_audit", ServerAuditTrail,
			"Export audit trail in JSON or CSV format.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"case_id": {"type": "string", "minLength": 1, "description": "Case identifier"},
					"format": {"type": "string", "enum": ["json", "csv"], "description": "Export format: json or csv"}
				},
				"required": ["case_id"]
			}`)}, tb.exportAudit},
	}

	for _, d := range defs {
		if err := tb.register(d.tool, d.fn); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

var caseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"case_json": {
			"type": "object",
			"description": "Full case JSON with case_id, customer, transactions, alert_reason",
			"required": ["case_id", "customer", "transactions", "alert_reason"]
		}
	},
	"required": ["case_json"]
}`)

var caseIDSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"case_id": {"type": "string", "minLength": 1, "description": "Case identifier"}
	},
	"required": ["case_id"]
}`)

func (tb *Toolbox) register(t Tool, fn toolFunc) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://kestrel.schemas.local/tools/%s.schema.json", t.Name)
	if err := c.AddResource(url, strings.NewReader(string(t.InputSchema))); err != nil {
		return fmt.Errorf("tool %s schema load failed: %w", t.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s schema compile failed: %w", t.Name, err)
	}

	tb.tools[t.Name] = &registeredTool{Tool: t, schema: schema, fn: fn}
	tb.order = append(tb.order, t.Name)
	return nil
}

// List returns the catalog in registration order.
func (tb *Toolbox) List() []Tool {
	out := make([]Tool, len(tb.order))
	for i, name := range tb.order {
		out[i] = tb.tools[name].Tool
	}
	return out
}

// Call validates args against the tool schema and runs the tool.
// Unknown tools and invalid arguments are errors; a tool that fails
// while running yields a result with IsError set.
func (tb *Toolbox) Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	t, ok := tb.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(args); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}

	out, err := t.fn(ctx, args)
	if err != nil {
		slog.Warn("tool call failed", "tool", name, "error", err)
		return textResult(map[string]string{"error": err.Error()}, true), nil
	}
	return textResult(out, false), nil
}

func textResult(v any, isError bool) *ToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		isError = true
	}
	return &ToolResult{Content: []Content{{Type: "text", Text: string(data)}}, IsError: isError}
}

func decodeCase(args map[string]any) (*domain.Case, error) {
	raw, err := json.Marshal(args["case_json"])
	if err != nil {
		return nil, fmt.Errorf("encode case_json: %w", err)
	}
	return intake.DecodeBytes(raw)
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func (tb *Toolbox) analyzeTransactions(ctx context.Context, args map[string]any) (any, error) {
	c, err := decodeCase(args)
	if err != nil {
		return nil, err
	}
	a, err := tb.stages.Analyze(ctx, c)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"case_id":        a.Case.CaseID,
		"stats":          a.Stats,
		"patterns":       domain.FindingTexts(a.Findings),
		"risk_score":     a.RiskScore,
		"risk_breakdown": a.Breakdown,
		"pattern_count":  len(a.Findings),
	}, nil
}

func (tb *Toolbox) calculateBaseline(ctx context.Context, args map[string]any) (any, error) {
	c, err := decodeCase(args)
	if err != nil {
		return nil, err
	}
	a, err := tb.stages.Analyze(ctx, c)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"case_id": a.Case.CaseID,
		"baseline": map[string]any{
			"total_volume":            a.Stats.TotalVolume,
			"avg_amount":              a.Stats.AvgAmount,
			"transaction_count":       a.Stats.TransactionCount,
			"date_range_days":         a.Stats.DateRangeDays,
			"unique_originators":      a.Stats.UniqueOriginators,
			"unique_beneficiaries":    a.Stats.UniqueBeneficiaries,
			"expected_monthly_volume": a.Case.Customer.ExpectedMonthlyVolume,
		},
	}, nil
}

func (tb *Toolbox) classifyTypology(ctx context.Context, args map[string]any) (any, error) {
	var patterns []string
	if list, ok := args["patterns"].([]any); ok {
		for _, p := range list {
			if s, ok := p.(string); ok {
				patterns = append(patterns, s)
			}
		}
	}
	cls, err := tb.stages.Classify(ctx, findingsFromText(patterns), stringArg(args, "alert_reason", ""))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"typology":          cls.Typology,
		"confidence":        cls.Confidence,
		"patterns_analyzed": len(patterns),
	}, nil
}

func (tb *Toolbox) retrieveTemplates(ctx context.Context, args map[string]any) (any, error) {
	matches, err := tb.knowledge.RetrieveTemplates(ctx, stringArg(args, "query", ""), intArg(args, "top_k", typology.DefaultTemplateTopK))
	if err != nil {
		return nil, err
	}
	templates := make([]map[string]any, len(matches))
	for i, m := range matches {
		kind := m.Metadata["typology"]
		if kind == "" {
			kind = domain.UnknownTypology
		}
		templates[i] = map[string]any{
			"id":              m.ID,
			"typology":        kind,
			"distance":        m.Distance,
			"content_preview": preview(m.Content, templatePreview),
		}
	}
	return map[string]any{"templates": templates, "count": len(templates)}, nil
}

func (tb *Toolbox) generateNarrative(ctx context.Context, args map[string]any) (any, error) {
	c, err := decodeCase(args)
	if err != nil {
		return nil, err
	}
	a, err := tb.stages.Analyze(ctx, c)
	if err != nil {
		return nil, err
	}
	cls, err := tb.stages.Classify(ctx, a.Findings, a.Case.AlertReason)
	if err != nil {
		return nil, err
	}
	d, err := tb.stages.Narrate(ctx, a, cls)
	if err != nil {
		return nil, err
	}

	sections := make([]string, 0, len(d.Narrative.Sections))
	for _, key := range domain.SectionKeys {
		if _, ok := d.Narrative.Sections[key]; ok {
			sections = append(sections, key)
		}
	}
	return map[string]any{
		"case_id":         d.Narrative.CaseID,
		"narrative_text":  preview(d.Narrative.Text, narrativeLimit),
		"risk_score":      a.RiskScore,
		"typology":        cls.Typology,
		"sections":        sections,
		"generation_path": d.Narrative.Path,
		"generation_time": d.Narrative.Audit.DurationSeconds,
	}, nil
}

func (tb *Toolbox) regulatoryContext(ctx context.Context, args map[string]any) (any, error) {
	key := stringArg(args, "typology", "")
	return map[string]any{
		"typology":           key,
		"regulatory_context": tb.knowledge.RegulatoryContext(ctx, key),
	}, nil
}

func (tb *Toolbox) logDecision(ctx context.Context, args map[string]any) (any, error) {
	caseID := stringArg(args, "case_id", "")
	step := stringArg(args, "step", "")
	e := tb.stages.Audit(ctx, domain.AuditEvent{
		CaseID:       caseID,
		EventType:    step,
		UserID:       "mcp_agent",
		InputData:    args["data_points"],
		LLMReasoning: stringArg(args, "reasoning", ""),
		Metadata:     map[string]any{"source": "mcp_tool_call", "step": step},
	})
	return map[string]any{
		"status":    "logged",
		"case_id":   caseID,
		"step":      step,
		"sequence":  e.Sequence,
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
	}, nil
}

func (tb *Toolbox) auditTrail(ctx context.Context, args map[string]any) (any, error) {
	caseID := stringArg(args, "case_id", "")
	trail := tb.trails.Trail(ctx, caseID)
	return map[string]any{
		"case_id":     caseID,
		"event_count": len(trail),
		"events":      trail,
	}, nil
}

func (tb *Toolbox) exportAudit(ctx context.Context, args map[string]any) (any, error) {
	caseID := stringArg(args, "case_id", "")
	format := stringArg(args, "format", audit.FormatJSON)
	exp, err := tb.trails.Export(ctx, caseID, format)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"case_id":  caseID,
		"format":   exp.Format,
		"checksum": exp.Checksum,
		"data":     exp.Content,
	}, nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
