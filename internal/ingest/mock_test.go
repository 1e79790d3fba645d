package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/supplychain-graph/internal/graph"
	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/store"
	"github.com/sells-group/supplychain-graph/internal/wikidata"
)

// --- In-memory graph ---

type edgeKey struct {
	src int64
	tgt int64
	typ model.RelType
}

type graphState struct {
	nodes map[int64]model.CompanyEntity
	edges map[edgeKey]map[string]model.PropertyValue
}

func newGraphState() graphState {
	return graphState{
		nodes: make(map[int64]model.CompanyEntity),
		edges: make(map[edgeKey]map[string]model.PropertyValue),
	}
}

func (s graphState) clone() graphState {
	out := newGraphState()
	for id, e := range s.nodes {
		out.nodes[id] = e
	}
	for k, props := range s.edges {
		copied := make(map[string]model.PropertyValue, len(props))
		for name, v := range props {
			copied[name] = v
		}
		out.edges[k] = copied
	}
	return out
}

// mergeCompany applies the store's merge semantics: descriptive fields
// follow the incoming entity, match_score only moves upward.
func (s graphState) mergeCompany(e model.CompanyEntity) bool {
	existing, ok := s.nodes[e.PermID]
	if ok {
		if e.MatchScore < existing.MatchScore {
			e.MatchScore = existing.MatchScore
		}
		s.nodes[e.PermID] = e
		return false
	}
	s.nodes[e.PermID] = e
	return true
}

func (s graphState) mergeEdge(k edgeKey, props map[string]model.PropertyValue) bool {
	_, existed := s.edges[k]
	if s.edges[k] == nil {
		s.edges[k] = make(map[string]model.PropertyValue)
	}
	for name, v := range props {
		s.edges[k][name] = v
	}
	return !existed
}

// fakeGraph is an in-memory stand-in for the Neo4j client. It reproduces
// the semantics the pipeline depends on: permid-keyed merges with a
// monotonic match score, edges that require both endpoints, and explicit
// transactions that stage against a copy and swap it in on commit.
type fakeGraph struct {
	mu    sync.Mutex
	state graphState

	failPermIDs map[int64]error // merge failures keyed by permid
	failRel     error           // injected CreateRelationship failure
	beginErr    error

	batchCalls  atomic.Int64
	singleCalls atomic.Int64
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		state:       newGraphState(),
		failPermIDs: make(map[int64]error),
	}
}

func (f *fakeGraph) UpsertCompany(ctx context.Context, entity model.CompanyEntity) (*graph.UpsertResult, error) {
	f.singleCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	if err := f.failPermIDs[entity.PermID]; err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	created := f.state.mergeCompany(entity)
	return &graph.UpsertResult{
		PermID:     entity.PermID,
		Created:    created,
		MatchScore: f.state.nodes[entity.PermID].MatchScore,
	}, nil
}

func (f *fakeGraph) UpsertCompanies(ctx context.Context, entities []model.CompanyEntity) (*graph.BatchResult, error) {
	f.batchCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	// One bad entity sinks the whole statement, like a real UNWIND merge.
	for _, e := range entities {
		if err := f.failPermIDs[e.PermID]; err != nil {
			return nil, err
		}
	}

	batch := model.DedupeByPermID(entities)
	f.mu.Lock()
	defer f.mu.Unlock()
	created := 0
	for _, e := range batch {
		if f.state.mergeCompany(e) {
			created++
		}
	}
	return &graph.BatchResult{
		Submitted:    len(entities),
		Unique:       len(batch),
		Ingested:     len(batch),
		NodesCreated: created,
	}, nil
}

func (f *fakeGraph) CreateRelationship(ctx context.Context, rel model.Relationship) (*graph.RelResult, error) {
	if f.failRel != nil {
		return nil, f.failRel
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return createRelationshipIn(f.state, rel)
}

func (f *fakeGraph) CreateSupplyChain(ctx context.Context, pairs []model.SupplyPair, mode graph.SupplyChainMode) (*graph.SupplyChainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return createSupplyChainIn(f.state, pairs, mode)
}

func (f *fakeGraph) Begin(ctx context.Context) (GraphTx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fakeTx{g: f, staged: f.state.clone()}, nil
}

func (f *fakeGraph) nodeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.state.nodes)
}

func (f *fakeGraph) node(permid int64) (model.CompanyEntity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.state.nodes[permid]
	return e, ok
}

func (f *fakeGraph) edgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.state.edges)
}

func (f *fakeGraph) hasEdge(src, tgt int64, typ model.RelType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.state.edges[edgeKey{src: src, tgt: tgt, typ: typ}]
	return ok
}

func createRelationshipIn(st graphState, rel model.Relationship) (*graph.RelResult, error) {
	if err := endpointsExist(st, rel.SourcePermID, rel.TargetPermID); err != nil {
		return nil, err
	}
	created := st.mergeEdge(edgeKey{src: rel.SourcePermID, tgt: rel.TargetPermID, typ: rel.Type}, rel.Props)
	return &graph.RelResult{
		SourcePermID: rel.SourcePermID,
		TargetPermID: rel.TargetPermID,
		Type:         rel.Type,
		Created:      created,
	}, nil
}

func createSupplyChainIn(st graphState, pairs []model.SupplyPair, mode graph.SupplyChainMode) (*graph.SupplyChainResult, error) {
	res := &graph.SupplyChainResult{Requested: len(pairs)}
	for _, p := range pairs {
		if err := endpointsExist(st, p.SupplierPermID, p.AssemblerPermID); err != nil {
			if mode == graph.Strict {
				return nil, err
			}
			res.Skipped = append(res.Skipped, p)
			continue
		}
		if st.mergeEdge(edgeKey{src: p.SupplierPermID, tgt: p.AssemblerPermID, typ: model.RelSupplyComponents}, nil) {
			res.Created++
		}
		res.Merged++
	}
	return res, nil
}

func endpointsExist(st graphState, src, tgt int64) error {
	_, srcOK := st.nodes[src]
	_, tgtOK := st.nodes[tgt]
	if srcOK && tgtOK {
		return nil
	}
	return &model.EndpointNotFoundError{
		SourcePermID:  src,
		TargetPermID:  tgt,
		MissingSource: !srcOK,
		MissingTarget: !tgtOK,
	}
}

// fakeTx stages writes against a copy of the graph. Commit swaps the copy
// in; Rollback discards it.
type fakeTx struct {
	g      *fakeGraph
	staged graphState
	done   bool
}

func (t *fakeTx) UpsertCompany(ctx context.Context, entity model.CompanyEntity) (*graph.UpsertResult, error) {
	if t.done {
		return nil, graph.ErrTxFinished
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	if err := t.g.failPermIDs[entity.PermID]; err != nil {
		return nil, err
	}
	created := t.staged.mergeCompany(entity)
	return &graph.UpsertResult{
		PermID:     entity.PermID,
		Created:    created,
		MatchScore: t.staged.nodes[entity.PermID].MatchScore,
	}, nil
}

func (t *fakeTx) UpsertCompanies(ctx context.Context, entities []model.CompanyEntity) (*graph.BatchResult, error) {
	if t.done {
		return nil, graph.ErrTxFinished
	}
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if err := t.g.failPermIDs[e.PermID]; err != nil {
			return nil, err
		}
	}
	batch := model.DedupeByPermID(entities)
	created := 0
	for _, e := range batch {
		if t.staged.mergeCompany(e) {
			created++
		}
	}
	return &graph.BatchResult{
		Submitted:    len(entities),
		Unique:       len(batch),
		Ingested:     len(batch),
		NodesCreated: created,
	}, nil
}

func (t *fakeTx) CreateRelationship(ctx context.Context, rel model.Relationship) (*graph.RelResult, error) {
	if t.done {
		return nil, graph.ErrTxFinished
	}
	if t.g.failRel != nil {
		return nil, t.g.failRel
	}
	return createRelationshipIn(t.staged, rel)
}

func (t *fakeTx) CreateSupplyChain(ctx context.Context, pairs []model.SupplyPair, mode graph.SupplyChainMode) (*graph.SupplyChainResult, error) {
	if t.done {
		return nil, graph.ErrTxFinished
	}
	return createSupplyChainIn(t.staged, pairs, mode)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.done {
		return graph.ErrTxFinished
	}
	t.done = true
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	t.g.state = t.staged
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.done {
		return graph.ErrTxFinished
	}
	t.done = true
	return nil
}

// --- Wikidata fake ---

type fakeWikidata struct {
	tech     []wikidata.Entity
	named    []wikidata.Entity
	techErr  error
	namedErr error

	gotLimit int
	gotNames []string
}

func (f *fakeWikidata) SearchTechnologyCompanies(ctx context.Context, limit int) ([]wikidata.Entity, error) {
	f.gotLimit = limit
	return f.tech, f.techErr
}

func (f *fakeWikidata) SearchCompaniesByName(ctx context.Context, names []string) ([]wikidata.Entity, error) {
	f.gotNames = names
	return f.named, f.namedErr
}

// --- Helpers ---

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var workbookHeader = []string{"permid", "name", "sector", "country", "market_cap", "revenue", "match_score", "is_final_assembler"}

func writeWorkbook(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Companies")
	require.NoError(t, err)
	for _, row := range rows {
		r := sheet.AddRow()
		for _, value := range row {
			r.AddCell().SetString(value)
		}
	}
	path := filepath.Join(t.TempDir(), "companies.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func testEntity(permid int64, name string, score float64) model.CompanyEntity {
	return model.CompanyEntity{
		PermID:     permid,
		Name:       name,
		MatchScore: score,
	}
}
