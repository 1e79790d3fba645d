package graph

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshot(t *testing.T) {
	m := &Metrics{}
	m.recordQuery(10*time.Millisecond, nil)
	m.recordQuery(5*time.Millisecond, errors.New("boom"))
	m.recordRetry()
	m.recordNodesCreated(3)
	m.recordNodesCreated(0)
	m.recordEdgesCreated(2)
	m.recordNodesDeleted(1)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Queries)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(3), snap.NodesCreated)
	assert.Equal(t, int64(2), snap.EdgesCreated)
	assert.Equal(t, int64(1), snap.NodesDeleted)
	assert.Equal(t, 15*time.Millisecond, snap.TotalExecutionTime)
}

func TestMetricsConcurrentUse(t *testing.T) {
	m := &Metrics{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.recordQuery(time.Millisecond, nil)
			m.recordNodesCreated(1)
			m.recordEdgesCreated(1)
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(50), snap.Queries)
	assert.Equal(t, int64(50), snap.NodesCreated)
	assert.Equal(t, int64(50), snap.EdgesCreated)
	assert.Equal(t, 50*time.Millisecond, snap.TotalExecutionTime)
}
