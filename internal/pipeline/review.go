package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Approve marks a draft case approved. A non-empty editedNarrative
// replaces the stored narrative and its sections.
func (o *Orchestrator) Approve(ctx context.Context, caseID, reviewer, editedNarrative string) (*domain.CaseRecord, error) {
	rec, err := o.reviewTarget(ctx, caseID)
	if err != nil {
		return nil, err
	}

	o.ledger.Record(ctx, domain.AuditEvent{
		CaseID:     caseID,
		EventType:  domain.EventApproval,
		UserID:     reviewer,
		HumanEdits: map[string]any{"edited": editedNarrative != ""},
		Metadata:   map[string]any{"action": "approved"},
	})

	rec.Status = domain.CaseApproved
	rec.ReviewedBy = reviewer
	if editedNarrative != "" {
		rec.Narrative = editedNarrative
		rec.Sections = narrative.ParseSections(editedNarrative)
		err = o.repo.SaveCase(ctx, rec)
	} else {
		err = o.repo.UpdateCaseStatus(ctx, caseID, domain.CaseApproved, reviewer, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to approve case %s: %w", caseID, err)
	}

	slog.Info("case approved", "case_id", caseID, "reviewer", reviewer, "edited", editedNarrative != "")
	return rec, nil
}

// Reject marks a draft case rejected with the reviewer's reason.
func (o *Orchestrator) Reject(ctx context.Context, caseID, reviewer, reason string) (*domain.CaseRecord, error) {
	rec, err := o.reviewTarget(ctx, caseID)
	if err != nil {
		return nil, err
	}

	o.ledger.Record(ctx, domain.AuditEvent{
		CaseID:    caseID,
		EventType: domain.EventRejection,
		UserID:    reviewer,
		Metadata:  map[string]any{"action": "rejected", "reason": reason},
	})

	if err := o.repo.UpdateCaseStatus(ctx, caseID, domain.CaseRejected, reviewer, reason); err != nil {
		return nil, fmt.Errorf("failed to reject case %s: %w", caseID, err)
	}
	rec.Status = domain.CaseRejected
	rec.ReviewedBy = reviewer
	rec.ReviewComment = reason

	slog.Info("case rejected", "case_id", caseID, "reviewer", reviewer)
	return rec, nil
}

// Case returns the stored record for caseID.
func (o *Orchestrator) Case(ctx context.Context, caseID string) (*domain.CaseRecord, error) {
	if o.repo == nil {
		return nil, ErrCaseNotFound
	}
	rec, err := o.repo.GetCase(ctx, caseID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	return rec, err
}

// Cases lists stored records, newest first. An empty status lists all.
func (o *Orchestrator) Cases(ctx context.Context, status domain.CaseStatus, limit int) ([]*domain.CaseRecord, error) {
	if o.repo == nil {
		return []*domain.CaseRecord{}, nil
	}
	return o.repo.ListCases(ctx, status, limit)
}

func (o *Orchestrator) reviewTarget(ctx context.Context, caseID string) (*domain.CaseRecord, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: case_id is required", ErrCaseNotFound)
	}
	return o.Case(ctx, caseID)
}
