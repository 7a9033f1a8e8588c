package moderation

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// BulkAction names the per-item operation a batch applies.
type BulkAction string

const (
	BulkVerify BulkAction = "verify"
	BulkReject BulkAction = "reject"
)

// bulkConcurrency bounds parallel moderation writes so a large batch does
// not monopolise the store's connection budget.
const bulkConcurrency = 8

// ItemOutcome reports one contribution's result within a batch.
type ItemOutcome struct {
	ContributionID string `json:"contribution_id"`
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
}

// BulkResult aggregates a batch.
type BulkResult struct {
	Action    BulkAction    `json:"action"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Items     []ItemOutcome `json:"items"`
}

// BulkApplyParams configures a batch.
type BulkApplyParams struct {
	Action          BulkAction
	ContributionIDs []string
	Actor           string

	// Reason is required for reject batches.
	Reason string

	// ForceNew applies to verify items, same as VerifyParams.ForceNew.
	ForceNew bool
}

// BulkApply runs the action on every id independently. One item's failure
// never aborts the rest; each failure is captured in its outcome. Outcomes
// keep the input order.
func (s *Service) BulkApply(ctx context.Context, p BulkApplyParams) (*BulkResult, error) {
	switch p.Action {
	case BulkVerify, BulkReject:
	default:
		return nil, eris.Wrapf(ErrValidation, "unsupported bulk action %q", p.Action)
	}
	if len(p.ContributionIDs) == 0 {
		return nil, eris.Wrap(ErrValidation, "no contribution ids given")
	}
	if p.Action == BulkReject && p.Reason == "" {
		return nil, eris.Wrap(ErrValidation, "rejection reason is required")
	}

	result := &BulkResult{
		Action: p.Action,
		Items:  make([]ItemOutcome, len(p.ContributionIDs)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)

	for i, id := range p.ContributionIDs {
		g.Go(func() error {
			var err error
			switch p.Action {
			case BulkVerify:
				_, err = s.Verify(gctx, VerifyParams{
					ContributionID: id,
					Actor:          p.Actor,
					ForceNew:       p.ForceNew,
				})
			case BulkReject:
				err = s.Reject(gctx, id, p.Reason, p.Actor)
			}

			mu.Lock()
			defer mu.Unlock()
			result.Items[i].ContributionID = id
			if err != nil {
				result.Items[i].Error = err.Error()
				result.Failed++
			} else {
				result.Items[i].OK = true
				result.Succeeded++
			}
			// Item failures stay in the outcome list; returning them here
			// would cancel the group.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "moderation: bulk apply")
	}
	return result, nil
}
