package graph

import (
	"sync/atomic"
	"time"
)

// Metrics tracks per-client operation counters. Counters belong to the client
// instance, not the package, so two clients never share state. All methods
// are safe for concurrent use.
type Metrics struct {
	queries      atomic.Int64
	retries      atomic.Int64
	nodesCreated atomic.Int64
	edgesCreated atomic.Int64
	nodesDeleted atomic.Int64
	failures     atomic.Int64
	execNanos    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the client counters.
type MetricsSnapshot struct {
	Queries            int64         `json:"queries"`
	Retries            int64         `json:"retries"`
	NodesCreated       int64         `json:"nodes_created"`
	EdgesCreated       int64         `json:"edges_created"`
	NodesDeleted       int64         `json:"nodes_deleted"`
	Failures           int64         `json:"failures"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
}

// Snapshot copies the counters for reporting. Individual counters are read
// atomically; the snapshot as a whole is not a single consistent cut, which
// is fine for statistics output.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Queries:            m.queries.Load(),
		Retries:            m.retries.Load(),
		NodesCreated:       m.nodesCreated.Load(),
		EdgesCreated:       m.edgesCreated.Load(),
		NodesDeleted:       m.nodesDeleted.Load(),
		Failures:           m.failures.Load(),
		TotalExecutionTime: time.Duration(m.execNanos.Load()),
	}
}

func (m *Metrics) recordQuery(elapsed time.Duration, err error) {
	m.queries.Add(1)
	m.execNanos.Add(int64(elapsed))
	if err != nil {
		m.failures.Add(1)
	}
}

func (m *Metrics) recordRetry() { m.retries.Add(1) }

func (m *Metrics) recordNodesCreated(n int) {
	if n > 0 {
		m.nodesCreated.Add(int64(n))
	}
}

func (m *Metrics) recordEdgesCreated(n int) {
	if n > 0 {
		m.edgesCreated.Add(int64(n))
	}
}

func (m *Metrics) recordNodesDeleted(n int) {
	if n > 0 {
		m.nodesDeleted.Add(int64(n))
	}
}
