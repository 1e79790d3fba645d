package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/resilience"
)

// ReplayResult summarizes one dead-letter replay sweep.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`  // merged and removed from the queue
	Failed    int `json:"failed"`    // rescheduled with a bumped retry count
	Exhausted int `json:"exhausted"` // out of budget, left for an operator
}

// ReplayDLQ drives queued dead letters back through the idempotent merge.
// Entries that merge are removed; entries that fail again are rescheduled on
// the dead-letter backoff curve; entries out of retry budget are left in the
// queue untouched. Replays mutate DLQ rows rather than writing run rows, so
// the ledger's run history stays a record of source ingestions.
func (p *Pipeline) ReplayDLQ(ctx context.Context, filter resilience.DLQFilter) (*ReplayResult, error) {
	entries, err := p.store.ListDLQ(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list dead letters")
	}

	log := zap.L()
	res := &ReplayResult{}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, eris.Wrap(ctx.Err(), "ingest: replay aborted")
		}
		if !entry.CanRetry() {
			res.Exhausted++
			continue
		}
		res.Attempted++

		if _, err := p.graph.UpsertCompany(ctx, entry.Entity); err != nil {
			res.Failed++
			next := time.Now().UTC().Add(resilience.NextRetryDelay(entry.RetryCount + 1))
			if recErr := p.store.IncrementDLQRetry(context.WithoutCancel(ctx), entry.ID, next, err.Error()); recErr != nil {
				log.Warn("ingest: failed to reschedule dead letter",
					zap.String("id", entry.ID),
					zap.Error(recErr))
			}
			log.Warn("ingest: dead letter failed again",
				zap.String("id", entry.ID),
				zap.Int64("permid", entry.Entity.PermID),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			continue
		}

		if rmErr := p.store.RemoveDLQ(ctx, entry.ID); rmErr != nil {
			log.Warn("ingest: failed to remove replayed dead letter",
				zap.String("id", entry.ID),
				zap.Error(rmErr))
		}
		res.Replayed++
	}

	if len(entries) > 0 {
		log.Info("ingest: dead letter replay complete",
			zap.Int("attempted", res.Attempted),
			zap.Int("replayed", res.Replayed),
			zap.Int("failed", res.Failed),
			zap.Int("exhausted", res.Exhausted))
	}
	return res, nil
}
