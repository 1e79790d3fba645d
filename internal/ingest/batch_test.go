package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplychain-graph/internal/importer"
	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/resilience"
	"github.com/sells-group/supplychain-graph/internal/store"
	"github.com/sells-group/supplychain-graph/internal/wikidata"
)

func TestRunWikidata_MergesExtractedCompanies(t *testing.T) {
	ctx := context.Background()
	wd := &fakeWikidata{
		tech: []wikidata.Entity{
			{WikidataID: "Q312", Label: "Apple Inc", Description: "consumer electronics manufacturer", Industry: "electronics"},
			{WikidataID: "Q181888", Label: "MediaTek", Country: "Taiwan"},
		},
		named: []wikidata.Entity{
			{WikidataID: "Q312", Label: "Apple Inc"}, // duplicate label, collapsed
			{WikidataID: "Q713418", Label: "TSMC", Country: "Taiwan"},
		},
	}
	g := newFakeGraph()
	st := newTestStore(t)
	p := New(Config{}, st, g, wd)

	res, err := p.RunWikidata(ctx, WikidataScope{
		Limit:      25,
		Names:      []string{"Apple Inc", "TSMC"},
		BasePermID: 6000000000,
	})
	require.NoError(t, err)

	assert.Equal(t, 25, wd.gotLimit)
	assert.Equal(t, []string{"Apple Inc", "TSMC"}, wd.gotNames)
	assert.Equal(t, model.SourceWikidata, res.Source)
	assert.Equal(t, model.RunStatusComplete, res.Status)
	assert.Equal(t, 3, res.Counts.Companies)
	assert.Equal(t, 3, g.nodeCount())

	// Permids are allocated in extraction order from the base.
	apple, ok := g.node(6000000000)
	require.True(t, ok)
	assert.Equal(t, "Apple Inc", apple.Name)
	assert.True(t, apple.IsFinalAssembler)
	assert.InDelta(t, 0.7, apple.MatchScore, 1e-9) // base + description + industry

	_, ok = g.node(6000000001)
	assert.True(t, ok, "MediaTek node")
	tsmc, ok := g.node(6000000002)
	require.True(t, ok)
	assert.Equal(t, "TSMC", tsmc.Name)

	run, err := st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceWikidata, run.Source)
	assert.Equal(t, model.RunStatusComplete, run.Status)
}

func TestRunWikidata_DefaultScope(t *testing.T) {
	ctx := context.Background()
	wd := &fakeWikidata{}
	st := newTestStore(t)
	p := New(Config{}, st, newFakeGraph(), wd)

	res, err := p.RunWikidata(ctx, WikidataScope{})
	require.NoError(t, err)

	assert.Equal(t, 50, wd.gotLimit)
	assert.Equal(t, wikidata.DefaultSupplyChainNames, wd.gotNames)
	assert.Equal(t, model.RunStatusComplete, res.Status)
	assert.Zero(t, res.Counts.Companies)
}

func TestRunWikidata_NotConfigured(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := New(Config{}, st, newFakeGraph(), nil)

	_, err := p.RunWikidata(ctx, WikidataScope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wikidata client not configured")

	// A misconfigured pipeline never reaches the ledger.
	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunWikidata_ExtractionFailureSealsRun(t *testing.T) {
	ctx := context.Background()
	wd := &fakeWikidata{
		techErr: resilience.NewTransientError(errors.New("wikidata: status 503"), 503),
	}
	g := newFakeGraph()
	st := newTestStore(t)
	p := New(Config{}, st, g, wd)

	_, err := p.RunWikidata(ctx, WikidataScope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "technology search")
	assert.Zero(t, g.nodeCount())

	runs, err := st.ListRuns(ctx, store.RunFilter{Source: model.SourceWikidata})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, model.ErrorClassTransient, runs[0].ErrorClass)
	assert.Zero(t, runs[0].Counts.Companies)
}

func TestIngestEntities_IsolatesPoisonEntity(t *testing.T) {
	ctx := context.Background()
	g := newFakeGraph()
	g.failPermIDs[3] = errors.New("constraint violation")
	st := newTestStore(t)
	p := New(Config{BatchSize: 2, Workers: 1}, st, g, nil)

	run, err := st.CreateRun(ctx, model.SourceAPI)
	require.NoError(t, err)

	entities := []model.CompanyEntity{
		testEntity(1, "One", 0.9),
		testEntity(2, "Two", 0.9),
		testEntity(3, "Three", 0.9),
		testEntity(4, "Four", 0.9),
		testEntity(5, "Five", 0.9),
	}
	counts, err := p.ingestEntities(ctx, run, entities)
	require.NoError(t, err)

	assert.Equal(t, 4, counts.Companies)
	assert.Equal(t, 1, counts.Failed)
	assert.Zero(t, counts.Skipped)
	assert.Equal(t, int64(3), g.batchCalls.Load(), "chunks of [1 2] [3 4] [5]")
	assert.Equal(t, int64(2), g.singleCalls.Load(), "only the failed chunk is isolated")
	assert.Equal(t, 4, g.nodeCount())

	// The first dead letter flips the run to partial mid-flight.
	fetched, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, fetched.Status)

	entries, err := st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, int64(3), entry.Entity.PermID)
	assert.Equal(t, "Three", entry.Entity.Name)
	assert.Contains(t, entry.Error, "constraint violation")
	assert.Equal(t, model.ErrorClassPermanent, entry.ErrorClass)
	assert.Equal(t, phaseUpsert, entry.FailedPhase)
	assert.Equal(t, 5, entry.MaxRetries)
	assert.Zero(t, entry.RetryCount)
	assert.True(t, entry.NextRetryAt.After(entry.CreatedAt))
}

func TestIngestEntities_DedupesAcrossChunks(t *testing.T) {
	ctx := context.Background()
	g := newFakeGraph()
	st := newTestStore(t)
	p := New(Config{BatchSize: 1, Workers: 2}, st, g, nil)

	run, err := st.CreateRun(ctx, model.SourceAPI)
	require.NoError(t, err)

	// Without the pre-chunk dedupe these two would race their own merge in
	// separate chunks.
	counts, err := p.ingestEntities(ctx, run, []model.CompanyEntity{
		testEntity(7, "Acme Semiconductor", 0.6),
		testEntity(7, "Acme Semiconductor KK", 0.9),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, counts.Companies)
	assert.Equal(t, int64(1), g.batchCalls.Load())
	require.Equal(t, 1, g.nodeCount())

	node, ok := g.node(7)
	require.True(t, ok)
	assert.Equal(t, "Acme Semiconductor KK", node.Name)
	assert.InDelta(t, 0.9, node.MatchScore, 1e-9)
}

func TestIngestEntities_SkipsInvalid(t *testing.T) {
	ctx := context.Background()
	g := newFakeGraph()
	st := newTestStore(t)
	p := New(Config{}, st, g, nil)

	run, err := st.CreateRun(ctx, model.SourceAPI)
	require.NoError(t, err)

	counts, err := p.ingestEntities(ctx, run, []model.CompanyEntity{
		testEntity(1, "Valid Corp", 0.8),
		testEntity(2, "", 0.8),            // empty name
		testEntity(3, "Overconfident", 3), // score out of range
	})
	require.NoError(t, err)

	assert.Equal(t, 1, counts.Companies)
	assert.Equal(t, 2, counts.Skipped)
	assert.Zero(t, counts.Failed)
	assert.Equal(t, 1, g.nodeCount())

	// Rejected entities are data bugs, not write failures; they are not
	// replayable and stay out of the dead-letter queue.
	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestEntities_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := newFakeGraph()
	st := newTestStore(t)
	p := New(Config{}, st, g, nil)

	run, err := st.CreateRun(context.Background(), model.SourceAPI)
	require.NoError(t, err)

	counts, err := p.ingestEntities(ctx, run, []model.CompanyEntity{
		testEntity(1, "One", 0.9),
		testEntity(2, "Two", 0.9),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch aborted")
	assert.Zero(t, counts.Companies)
	assert.Zero(t, counts.Failed, "unattempted entities are not dead-lettered")

	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestEntities_ConcurrentRunsConverge(t *testing.T) {
	ctx := context.Background()
	g := newFakeGraph()
	st := newTestStore(t)
	p := New(Config{BatchSize: 5, Workers: 8}, st, g, nil)

	entities := make([]model.CompanyEntity, 0, 60)
	for i := int64(1); i <= 60; i++ {
		entities = append(entities, testEntity(i, "Company", 0.5+float64(i%5)/10))
	}

	runA, err := st.CreateRun(ctx, model.SourceAPI)
	require.NoError(t, err)
	counts, err := p.ingestEntities(ctx, runA, entities)
	require.NoError(t, err)
	assert.Equal(t, 60, counts.Companies)
	assert.Equal(t, 60, g.nodeCount())

	runB, err := st.CreateRun(ctx, model.SourceAPI)
	require.NoError(t, err)
	counts, err = p.ingestEntities(ctx, runB, entities)
	require.NoError(t, err)
	assert.Equal(t, 60, counts.Companies, "replay merges every row again")
	assert.Equal(t, 60, g.nodeCount(), "replay creates nothing new")
}

func TestRunWorkbook_LenientCountsBadRows(t *testing.T) {
	ctx := context.Background()
	path := writeWorkbook(t, [][]string{
		workbookHeader,
		{"4295905573", "Apple Inc", "Technology", "United States", "3000000000000", "394000000000", "0.92", "true"},
		{"4295906830", "Qualcomm Inc", "Technology", "United States", "150000000000", "35000000000", "0.92", "false"},
		{"4295908002", "MediaTek", "Technology", "Taiwan", "45000000000", "18000000000", "0.87", "no"},
		{"not-a-permid", "Broken Row", "", "", "", "", "0.5", ""},
	})

	g := newFakeGraph()
	st := newTestStore(t)
	p := New(Config{}, st, g, nil)

	res, err := p.RunWorkbook(ctx, path, importer.Options{})
	require.NoError(t, err)

	assert.Equal(t, model.SourceXLSX, res.Source)
	assert.Equal(t, model.RunStatusPartial, res.Status)
	assert.Equal(t, 3, res.Counts.Companies)
	assert.Equal(t, 1, res.Counts.Skipped)
	assert.Equal(t, 3, g.nodeCount())

	apple, ok := g.node(4295905573)
	require.True(t, ok)
	assert.Equal(t, "Apple Inc", apple.Name)
	assert.True(t, apple.IsFinalAssembler)

	run, err := st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, run.Status)
	assert.Equal(t, res.Counts, run.Counts)
}

func TestRunWorkbook_StrictFailsBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	path := writeWorkbook(t, [][]string{
		workbookHeader,
		{"4295905573", "Apple Inc", "", "", "", "", "0.92", ""},
		{"not-a-permid", "Broken Row", "", "", "", "", "0.5", ""},
	})

	g := newFakeGraph()
	st := newTestStore(t)
	p := New(Config{}, st, g, nil)

	_, err := p.RunWorkbook(ctx, path, importer.Options{Strict: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 3")
	assert.Zero(t, g.nodeCount())

	runs, err := st.ListRuns(ctx, store.RunFilter{Source: model.SourceXLSX})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Zero(t, runs[0].Counts.Companies)
}

func TestRunWorkbook_MissingFileSealsRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := New(Config{}, st, newFakeGraph(), nil)

	_, err := p.RunWorkbook(ctx, filepath.Join(t.TempDir(), "missing.xlsx"), importer.Options{})
	require.Error(t, err)

	runs, err := st.ListRuns(ctx, store.RunFilter{Source: model.SourceXLSX})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestChunkEntities(t *testing.T) {
	entities := []model.CompanyEntity{
		testEntity(1, "a", 0.5),
		testEntity(2, "b", 0.5),
		testEntity(3, "c", 0.5),
	}

	chunks := chunkEntities(entities, 2)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 1)

	assert.Len(t, chunkEntities(entities, 10), 1)
	assert.Nil(t, chunkEntities(nil, 4))
}
