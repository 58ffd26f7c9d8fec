package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BatchItem is the outcome of one case in a batch.
type BatchItem struct {
	CaseID string  `json:"case_id"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// RunBatch processes independent cases with at most limit running at once.
// Items are returned in input order. A failed case does not stop the others.
func (o *Orchestrator) RunBatch(ctx context.Context, cases []*domain.Case, limit int) []BatchItem {
	if limit <= 0 {
		limit = o.cfg.MaxConcurrent
	}
	if limit <= 0 {
		limit = 1
	}

	items := make([]BatchItem, len(cases))
	var g errgroup.Group
	g.SetLimit(limit)

	for i, c := range cases {
		if c != nil {
			items[i].CaseID = c.CaseID
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].Err = err
				items[i].Error = err.Error()
				return nil
			}
			res, err := o.Run(ctx, c)
			items[i].Result = res
			if err != nil {
				items[i].Err = err
				items[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	slog.Info("batch complete", "cases", len(cases), "failed", failed, "limit", limit)
	return items
}
