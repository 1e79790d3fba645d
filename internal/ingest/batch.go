package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/resilience"
)

// phaseUpsert tags dead letters produced by the batched merge phase.
const phaseUpsert = "upsert"

// ingestEntities drives the batched upsert phase: validate, dedupe, chunk,
// merge chunks concurrently. A chunk that fails wholesale is replayed one
// entity at a time so a single bad entity cannot sink its neighbors;
// entities that still fail are dead-lettered for later replay. The returned
// error is non-nil only when the run as a whole was aborted (cancellation);
// per-entity failures land in the counts instead.
func (p *Pipeline) ingestEntities(ctx context.Context, run *model.IngestRun, entities []model.CompanyEntity) (model.RunCounts, error) {
	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("source", string(run.Source)),
	)

	var counts model.RunCounts

	valid := make([]model.CompanyEntity, 0, len(entities))
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			counts.Skipped++
			log.Warn("ingest: entity rejected",
				zap.Int64("permid", e.PermID),
				zap.String("name", e.Name),
				zap.Error(err))
			continue
		}
		valid = append(valid, e)
	}

	// Dedupe before chunking so one permid cannot land in two concurrent
	// chunks and race its own merge.
	batch := model.DedupeByPermID(valid)
	if len(batch) == 0 {
		return counts, nil
	}

	var ingested, created, failed atomic.Int64

	// First dead letter flips the ledger row to partial so a long run is
	// visibly degraded before it finishes.
	var degraded atomic.Bool
	markDegraded := func() {
		if !degraded.CompareAndSwap(false, true) {
			return
		}
		if err := p.store.UpdateRunStatus(ctx, run.ID, model.RunStatusPartial); err != nil {
			log.Warn("ingest: failed to update run status", zap.Error(err))
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for _, chunk := range chunkEntities(batch, p.cfg.BatchSize) {
		chunk := chunk
		g.Go(func() error {
			res, err := p.graph.UpsertCompanies(gctx, chunk)
			if err == nil {
				ingested.Add(int64(res.Ingested))
				created.Add(int64(res.NodesCreated))
				return nil
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			log.Warn("ingest: chunk merge failed, isolating entities",
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err))
			return p.isolateChunk(gctx, chunk, &ingested, &created, &failed, markDegraded)
		})
	}

	err := g.Wait()
	counts.Companies = int(ingested.Load())
	counts.Failed = int(failed.Load())
	if err != nil {
		return counts, eris.Wrap(err, "ingest: batch aborted")
	}

	log.Info("ingest: upsert phase complete",
		zap.Int("submitted", len(entities)),
		zap.Int("unique", len(batch)),
		zap.Int64("merged", ingested.Load()),
		zap.Int64("nodes_created", created.Load()),
		zap.Int64("dead_lettered", failed.Load()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return counts, nil
}

// isolateChunk retries a failed chunk entity by entity. Merges and failures
// are tallied into the shared counters; failures are dead-lettered in one
// batch at the end. Entities left unattempted on cancellation are not
// dead-lettered: the next run replays them through the same idempotent merge.
func (p *Pipeline) isolateChunk(ctx context.Context, chunk []model.CompanyEntity, ingested, created, failed *atomic.Int64, markDegraded func()) error {
	var letters []resilience.DLQEntry
	for _, e := range chunk {
		if ctx.Err() != nil {
			break
		}
		res, err := p.graph.UpsertCompany(ctx, e)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			zap.L().Warn("ingest: entity merge failed",
				zap.Int64("permid", e.PermID),
				zap.String("name", e.Name),
				zap.Error(err))
			letters = append(letters, p.deadLetter(e, err))
			failed.Add(1)
			continue
		}
		ingested.Add(1)
		if res.Created {
			created.Add(1)
		}
	}

	if len(letters) > 0 {
		markDegraded()
		// Dead letters are the record of what was lost; write them even
		// when the run is being torn down.
		if _, err := p.store.EnqueueDLQBatch(context.WithoutCancel(ctx), letters); err != nil {
			zap.L().Error("ingest: failed to enqueue dead letters",
				zap.Int("count", len(letters)),
				zap.Error(err))
		}
	}
	return ctx.Err()
}

// deadLetter captures a failed entity for replay. The first replay is due
// after the base dead-letter delay; the store assigns the entry ID.
func (p *Pipeline) deadLetter(e model.CompanyEntity, err error) resilience.DLQEntry {
	now := time.Now().UTC()
	return resilience.DLQEntry{
		Entity:       e,
		Error:        err.Error(),
		ErrorClass:   resilience.ClassifyError(err),
		FailedPhase:  phaseUpsert,
		MaxRetries:   p.cfg.MaxDLQRetries,
		NextRetryAt:  now.Add(resilience.NextRetryDelay(0)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// chunkEntities splits a deduped batch into UNWIND-sized chunks.
func chunkEntities(entities []model.CompanyEntity, size int) [][]model.CompanyEntity {
	if len(entities) == 0 {
		return nil
	}
	chunks := make([][]model.CompanyEntity, 0, (len(entities)+size-1)/size)
	for start := 0; start < len(entities); start += size {
		end := start + size
		if end > len(entities) {
			end = len(entities)
		}
		chunks = append(chunks, entities[start:end])
	}
	return chunks
}
