package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/graph"
	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/seed"
)

// RunSeed merges the embedded supply-chain dataset in one explicit
// transaction: companies first, then supply edges, then typed relationships.
// Nothing lands unless everything commits, and replaying the run is a no-op
// apart from refreshed last_updated stamps.
func (p *Pipeline) RunSeed(ctx context.Context) (*Result, error) {
	ds, err := seed.Load()
	if err != nil {
		return nil, err
	}

	run, err := p.store.CreateRun(ctx, model.SourceSeed)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create run")
	}
	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("source", string(model.SourceSeed)),
	)
	start := time.Now()

	counts, err := p.seedTx(ctx, ds)
	status := p.finish(ctx, run, counts, err)
	if err != nil {
		log.Error("ingest: seed run failed", zap.Error(err))
		return nil, err
	}

	log.Info("ingest: seed run complete",
		zap.Int("companies", counts.Companies),
		zap.Int("relationships", counts.Relationships),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return &Result{
		RunID:  run.ID,
		Source: model.SourceSeed,
		Status: status,
		Counts: counts,
	}, nil
}

// seedTx stages the whole dataset inside one transaction. Any failure rolls
// everything back and reports zero counts; only a committed unit counts.
func (p *Pipeline) seedTx(ctx context.Context, ds *seed.Dataset) (model.RunCounts, error) {
	tx, err := p.graph.Begin(ctx)
	if err != nil {
		return model.RunCounts{}, eris.Wrap(err, "ingest: begin seed transaction")
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			zap.L().Warn("ingest: seed rollback failed", zap.Error(rbErr))
		}
	}()

	var counts model.RunCounts

	batch, err := tx.UpsertCompanies(ctx, ds.Entities())
	if err != nil {
		return model.RunCounts{}, eris.Wrap(err, "ingest: seed companies")
	}
	counts.Companies = batch.Ingested

	// Strict mode: a supply pair naming a company outside the staged batch
	// is a dataset bug and must sink the whole load.
	supply, err := tx.CreateSupplyChain(ctx, ds.SupplyPairs(), graph.Strict)
	if err != nil {
		return model.RunCounts{}, eris.Wrap(err, "ingest: seed supply chain")
	}
	counts.Relationships += supply.Merged

	for _, rel := range ds.Relationships() {
		if _, err := tx.CreateRelationship(ctx, rel); err != nil {
			return model.RunCounts{}, eris.Wrapf(err, "ingest: seed relationship %s %d->%d",
				rel.Type, rel.SourcePermID, rel.TargetPermID)
		}
		counts.Relationships++
	}

	if err := tx.Commit(ctx); err != nil {
		return model.RunCounts{}, eris.Wrap(err, "ingest: commit seed")
	}
	committed = true
	return counts, nil
}
