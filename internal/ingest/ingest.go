// Package ingest orchestrates ingestion runs end to end: extract companies
// from a source, merge them into the graph, and seal the outcome in the run
// ledger. Batch sources (Wikidata, workbooks) fan chunks out over bounded
// workers and dead-letter entities that exhaust their retries; the seed
// source routes everything through one explicit transaction so the dataset
// lands whole or not at all. Replaying any run converges on the same graph.
package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/graph"
	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/resilience"
	"github.com/sells-group/supplychain-graph/internal/store"
	"github.com/sells-group/supplychain-graph/internal/wikidata"
)

// GraphWriter is the managed write surface the pipeline drives.
type GraphWriter interface {
	UpsertCompany(ctx context.Context, entity model.CompanyEntity) (*graph.UpsertResult, error)
	UpsertCompanies(ctx context.Context, entities []model.CompanyEntity) (*graph.BatchResult, error)
	CreateRelationship(ctx context.Context, rel model.Relationship) (*graph.RelResult, error)
	CreateSupplyChain(ctx context.Context, pairs []model.SupplyPair, mode graph.SupplyChainMode) (*graph.SupplyChainResult, error)
}

// GraphTx is one atomic unit of graph writes. *graph.Tx satisfies it.
type GraphTx interface {
	GraphWriter
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Graph adds explicit transactions to the managed write surface.
type Graph interface {
	GraphWriter
	Begin(ctx context.Context) (GraphTx, error)
}

// WrapClient adapts a concrete graph client to the Graph interface.
func WrapClient(c *graph.Client) Graph { return liveGraph{c} }

type liveGraph struct{ *graph.Client }

func (g liveGraph) Begin(ctx context.Context) (GraphTx, error) {
	return g.Client.BeginTx(ctx)
}

// Config tunes the batch machinery.
type Config struct {
	// BatchSize is the number of entities merged per UNWIND statement.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	// Workers bounds how many chunks are merged concurrently.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// MaxDLQRetries is the replay budget stamped on dead-letter entries.
	MaxDLQRetries int `yaml:"max_dlq_retries" mapstructure:"max_dlq_retries"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxDLQRetries <= 0 {
		c.MaxDLQRetries = 5
	}
	return c
}

// Pipeline wires source extraction to the graph and the run ledger.
type Pipeline struct {
	cfg      Config
	store    store.Store
	graph    Graph
	wikidata wikidata.Client
}

// New builds a pipeline. wd may be nil when the Wikidata source is unused;
// RunWikidata then fails fast without touching the ledger.
func New(cfg Config, st store.Store, g Graph, wd wikidata.Client) *Pipeline {
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		store:    st,
		graph:    g,
		wikidata: wd,
	}
}

// Result is the outcome of one ingestion run.
type Result struct {
	RunID  string             `json:"run_id"`
	Source model.IngestSource `json:"source"`
	Status model.RunStatus    `json:"status"`
	Counts model.RunCounts    `json:"counts"`
}

// finish seals the run row. A run-level error means failed; dead-lettered or
// skipped items make the run partial; otherwise it completed clean. The seal
// write survives caller cancellation so an interrupted run still leaves a
// terminal ledger row instead of a forever-running one.
func (p *Pipeline) finish(ctx context.Context, run *model.IngestRun, counts model.RunCounts, runErr error) model.RunStatus {
	completion := store.RunCompletion{
		Status: model.RunStatusComplete,
		Counts: counts,
	}
	switch {
	case runErr != nil:
		completion.Status = model.RunStatusFailed
		completion.Error = runErr.Error()
		completion.ErrorClass = resilience.ClassifyError(runErr)
	case counts.Failed > 0 || counts.Skipped > 0:
		completion.Status = model.RunStatusPartial
	}

	if err := p.store.CompleteRun(context.WithoutCancel(ctx), run.ID, completion); err != nil {
		zap.L().Warn("ingest: failed to seal run",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
	return completion.Status
}
