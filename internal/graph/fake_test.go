package graph

import (
	"context"
	"errors"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// fakeResult serves scripted records through the subset of
// neo4j.ResultWithContext the statement helpers use. The embedded interface
// satisfies the rest of the method set; anything unscripted panics, which is
// the test failure we want.
type fakeResult struct {
	neo4j.ResultWithContext

	records []*neo4j.Record
	summary neo4j.ResultSummary
	err     error
	idx     int
}

func (r *fakeResult) Next(ctx context.Context) bool {
	if r.err != nil || r.idx >= len(r.records) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeResult) Record() *neo4j.Record { return r.records[r.idx-1] }

func (r *fakeResult) Err() error { return r.err }

func (r *fakeResult) Single(ctx context.Context) (*neo4j.Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.records) != 1 {
		return nil, errors.New("fake: expected exactly one record")
	}
	r.idx = 1
	return r.records[0], nil
}

func (r *fakeResult) Consume(ctx context.Context) (neo4j.ResultSummary, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.summary, nil
}

type fakeSummary struct {
	neo4j.ResultSummary

	counters fakeCounters
}

func (s fakeSummary) Counters() neo4j.Counters { return s.counters }

type fakeCounters struct {
	neo4j.Counters

	nodesCreated         int
	relationshipsCreated int
}

func (c fakeCounters) NodesCreated() int         { return c.nodesCreated }
func (c fakeCounters) RelationshipsCreated() int { return c.relationshipsCreated }

func newRecord(keys []string, values []any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

// singleRowResult scripts the common shape: one record plus write counters.
func singleRowResult(rec *neo4j.Record, nodesCreated, relsCreated int) *fakeResult {
	return &fakeResult{
		records: []*neo4j.Record{rec},
		summary: fakeSummary{counters: fakeCounters{
			nodesCreated:         nodesCreated,
			relationshipsCreated: relsCreated,
		}},
	}
}

// presenceResult scripts the endpoint existence check: one (pid, present)
// row per permid in order.
func presenceResult(present map[int64]bool, order []int64) *fakeResult {
	records := make([]*neo4j.Record, 0, len(order))
	for _, pid := range order {
		records = append(records, newRecord([]string{"pid", "present"}, []any{pid, present[pid]}))
	}
	return &fakeResult{records: records, summary: fakeSummary{}}
}

// runnerCall captures one executed statement.
type runnerCall struct {
	cypher string
	params map[string]any
}

// fakeRunner records every statement and pops scripted results in order.
type fakeRunner struct {
	calls   []runnerCall
	results []neo4j.ResultWithContext
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error) {
	r.calls = append(r.calls, runnerCall{cypher: cypher, params: params})
	if r.err != nil {
		return nil, r.err
	}
	if len(r.results) == 0 {
		return nil, errors.New("fake: no scripted result for statement")
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next, nil
}
