// Package agent exposes the pipeline stages as message-driven agents and
// as a catalog of schema-validated tools. Both surfaces are adapters over
// one typed Stages interface.
package agent

import (
	"context"
	"errors"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/typology"
)

var (
	// ErrUnknownMethod is returned for an agent message with an unregistered method.
	ErrUnknownMethod = errors.New("unknown agent method")

	// ErrUnknownTool is returned for a call to an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when tool arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Stages is one method per pipeline stage. *pipeline.Orchestrator implements it.
type Stages interface {
	Analyze(ctx context.Context, c *domain.Case) (*pipeline.Analysis, error)
	Classify(ctx context.Context, findings []domain.Finding, alertReason string) (domain.TypologyClassification, error)
	Narrate(ctx context.Context, a *pipeline.Analysis, cls domain.TypologyClassification) (*pipeline.Draft, error)
	Audit(ctx context.Context, event domain.AuditEvent) *domain.AuditEvent
}

// Knowledge retrieves templates and regulatory context. *typology.Classifier implements it.
type Knowledge interface {
	RetrieveTemplates(ctx context.Context, summary string, topK int) ([]domain.Match, error)
	RegulatoryContext(ctx context.Context, key string) string
}

// Trails reads and exports audit trails. *audit.Ledger implements it.
type Trails interface {
	Trail(ctx context.Context, caseID string) []*domain.AuditEvent
	Export(ctx context.Context, caseID, format string) (*audit.Export, error)
}

var (
	_ Stages    = (*pipeline.Orchestrator)(nil)
	_ Knowledge = (*typology.Classifier)(nil)
	_ Trails    = (*audit.Ledger)(nil)
)

// findingsFromText wraps free-text patterns supplied by a caller.
func findingsFromText(patterns []string) []domain.Finding {
	out := make([]domain.Finding, len(patterns))
	for i, p := range patterns {
		out[i] = domain.Finding{Text: p}
	}
	return out
}
