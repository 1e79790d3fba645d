package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/wikidata"
)

// WikidataScope bounds one extraction run.
type WikidataScope struct {
	// Limit caps the industry-filtered technology search. Defaults to 50.
	Limit int
	// Names are looked up individually on top of the industry search. nil
	// defaults to the supply-chain anchor names; an empty slice skips the
	// name pass entirely.
	Names []string
	// BasePermID seeds synthetic permid allocation for entities without a
	// Refinitiv identifier. Defaults to wikidata.DefaultBasePermID.
	BasePermID int64
}

func (s WikidataScope) withDefaults() WikidataScope {
	if s.Limit <= 0 {
		s.Limit = 50
	}
	if s.Names == nil {
		s.Names = wikidata.DefaultSupplyChainNames
	}
	if s.BasePermID <= 0 {
		s.BasePermID = wikidata.DefaultBasePermID
	}
	return s
}

// RunWikidata extracts companies from the Wikidata SPARQL endpoint and
// merges them as a batched run. Wikidata contributes nodes only; edges come
// from the seed dataset.
func (p *Pipeline) RunWikidata(ctx context.Context, scope WikidataScope) (*Result, error) {
	if p.wikidata == nil {
		return nil, eris.New("ingest: wikidata client not configured")
	}
	scope = scope.withDefaults()

	run, err := p.store.CreateRun(ctx, model.SourceWikidata)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create run")
	}
	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("source", string(model.SourceWikidata)),
	)
	start := time.Now()

	entities, err := p.extractWikidata(ctx, scope)
	if err != nil {
		p.finish(ctx, run, model.RunCounts{}, err)
		log.Error("ingest: wikidata extraction failed", zap.Error(err))
		return nil, err
	}
	if len(entities) == 0 {
		log.Warn("ingest: wikidata returned no entities")
	}

	counts, runErr := p.ingestEntities(ctx, run, entities)
	status := p.finish(ctx, run, counts, runErr)
	if runErr != nil {
		log.Error("ingest: wikidata run aborted", zap.Error(runErr))
		return nil, runErr
	}

	log.Info("ingest: wikidata run complete",
		zap.Int("extracted", len(entities)),
		zap.Int("companies", counts.Companies),
		zap.Int("dead_lettered", counts.Failed),
		zap.Int("skipped", counts.Skipped),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return &Result{
		RunID:  run.ID,
		Source: model.SourceWikidata,
		Status: status,
		Counts: counts,
	}, nil
}

// extractWikidata combines the broad industry search with the per-name
// lookups, collapses duplicate labels, and allocates synthetic permids.
// The industry search runs first, so on a label collision its richer hit
// wins over the name lookup.
func (p *Pipeline) extractWikidata(ctx context.Context, scope WikidataScope) ([]model.CompanyEntity, error) {
	found, err := p.wikidata.SearchTechnologyCompanies(ctx, scope.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: technology search")
	}

	if len(scope.Names) > 0 {
		named, err := p.wikidata.SearchCompaniesByName(ctx, scope.Names)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: name search")
		}
		found = append(found, named...)
	}

	unique := wikidata.DedupeByLabel(found)
	zap.L().Debug("ingest: wikidata extraction",
		zap.Int("found", len(found)),
		zap.Int("unique", len(unique)))
	return wikidata.Companies(unique, scope.BasePermID), nil
}
