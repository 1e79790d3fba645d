// Package store persists the ingestion ledger: one row per run plus a
// dead-letter queue of entities that exhausted their retries. The graph
// itself lives in Neo4j; this ledger is what makes replays accountable.
package store

import (
	"context"
	"time"

	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/resilience"
)

// Store is the persistence interface for runs and the dead-letter queue.
type Store interface {
	// Run ledger
	CreateRun(ctx context.Context, source model.IngestSource) (*model.IngestRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, result RunCompletion) error
	GetRun(ctx context.Context, runID string) (*model.IngestRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	EnqueueDLQBatch(ctx context.Context, entries []resilience.DLQEntry) (int64, error)
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// RunFilter controls ListRuns queries.
type RunFilter struct {
	Source       model.IngestSource // filter by ingest source, empty = all
	Status       model.RunStatus    // filter by status, empty = all
	CreatedAfter time.Time          // only runs created at or after this instant, zero = all
	Limit        int                // max results, 0 = default (100)
	Offset       int                // pagination offset
}

// RunCompletion is the terminal state written back to a run row.
type RunCompletion struct {
	Status     model.RunStatus
	Counts     model.RunCounts
	Error      string           // empty on clean completion
	ErrorClass model.ErrorClass // set only when Error is set
}
