package model

import "time"

// RunStatus represents the current state of an ingestion run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial" // finished with skipped or dead-lettered items
	RunStatusFailed   RunStatus = "failed"
)

// IngestSource identifies where a run's entities came from.
type IngestSource string

const (
	SourceSeed     IngestSource = "seed"
	SourceWikidata IngestSource = "wikidata"
	SourceXLSX     IngestSource = "xlsx"
	SourceAPI      IngestSource = "api"
)

// ErrorClass buckets a failure for retry bookkeeping and run reporting.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// RunCounts aggregates what a run did to the graph.
type RunCounts struct {
	Companies     int `json:"companies"`
	Relationships int `json:"relationships"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

// IngestRun is one recorded ingestion run in the ledger.
type IngestRun struct {
	ID         string       `json:"id"`
	Source     IngestSource `json:"source"`
	Status     RunStatus    `json:"status"`
	Counts     RunCounts    `json:"counts"`
	Error      string       `json:"error,omitempty"`
	ErrorClass ErrorClass   `json:"error_class,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Duration is the wall time between creation and last update.
func (r IngestRun) Duration() time.Duration {
	return r.UpdatedAt.Sub(r.CreatedAt)
}
