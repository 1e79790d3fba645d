package resilience

import (
	"time"

	"github.com/sells-group/supplychain-graph/internal/model"
)

// DLQEntry captures an entity that exhausted its retries during ingestion so
// it can be replayed later without re-running the whole source extraction.
type DLQEntry struct {
	ID           string              `json:"id"`
	Entity       model.CompanyEntity `json:"entity"`
	Error        string              `json:"error"`
	ErrorClass   model.ErrorClass    `json:"error_class"`
	FailedPhase  string              `json:"failed_phase,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	MaxRetries   int                 `json:"max_retries"`
	NextRetryAt  time.Time           `json:"next_retry_at"`
	CreatedAt    time.Time           `json:"created_at"`
	LastFailedAt time.Time           `json:"last_failed_at"`
}

// DLQFilter selects dead-letter entries for listing or replay.
type DLQFilter struct {
	ErrorClass model.ErrorClass `json:"error_class,omitempty"` // empty selects all
	DueOnly    bool             `json:"due_only,omitempty"`    // next_retry_at <= now
	Limit      int              `json:"limit,omitempty"`
}

// CanRetry reports whether the entry still has retry budget.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextRetryDelay schedules dead-letter replays on their own exponential
// curve (1m, 2m, 4m, ... capped at 1h), far apart from the in-process
// retry backoff.
func NextRetryDelay(retryCount int) time.Duration {
	d := time.Minute << uint(retryCount)
	if d > time.Hour || d <= 0 {
		return time.Hour
	}
	return d
}

// ClassifyError buckets an error for DLQ and run bookkeeping.
func ClassifyError(err error) model.ErrorClass {
	if IsTransient(err) {
		return model.ErrorClassTransient
	}
	return model.ErrorClassPermanent
}
