package graph

import (
	"context"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rotisserie/eris"

	"github.com/sells-group/supplychain-graph/internal/model"
)

// Tx is an explicit write transaction bound to one session. It exists for
// multi-operation units that must commit or roll back together (a seed load
// merges companies and supply edges in one unit); single operations use the
// managed paths on Client. Finish every Tx with exactly one of Commit or
// Rollback; both close the session.
type Tx struct {
	client  *Client
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction

	mu   sync.Mutex
	done bool
}

// BeginTx opens an explicit transaction. A client allows at most one open
// explicit transaction; a second BeginTx before the first finishes fails
// fast with ErrTransactionInProgress rather than deadlocking or nesting.
func (c *Client) BeginTx(ctx context.Context) (*Tx, error) {
	select {
	case c.txActive <- struct{}{}:
	default:
		return nil, ErrTransactionInProgress
	}

	if err := c.wait(ctx); err != nil {
		<-c.txActive
		return nil, err
	}

	session := c.session(ctx, neo4j.AccessModeWrite)
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		_ = session.Close(ctx)
		<-c.txActive
		return nil, mapError("begin transaction", err)
	}
	return &Tx{client: c, session: session, tx: tx}, nil
}

// txOp serializes one statement against the open transaction, rejecting use
// after Commit or Rollback.
func txOp[T any](ctx context.Context, t *Tx, op string, work func(ctx context.Context, tx runner) (T, error)) (T, error) {
	var zero T

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return zero, ErrTxFinished
	}

	start := time.Now()
	out, err := work(ctx, t.tx)
	t.client.metrics.recordQuery(time.Since(start), err)
	if err != nil {
		return zero, mapError(op, err)
	}
	return out, nil
}

// Run executes an arbitrary statement inside the transaction and discards
// its rows.
func (t *Tx) Run(ctx context.Context, cypher string, params map[string]any) error {
	_, err := txOp(ctx, t, "tx run", func(ctx context.Context, tx runner) (struct{}, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return struct{}{}, err
		}
		_, err = result.Consume(ctx)
		return struct{}{}, err
	})
	return err
}

// UpsertCompany merges one company inside the transaction. Node and edge
// creation counters are only advanced by the managed paths; work staged here
// is not durable until Commit.
func (t *Tx) UpsertCompany(ctx context.Context, entity model.CompanyEntity) (*UpsertResult, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	return txOp(ctx, t, "tx upsert company", func(ctx context.Context, tx runner) (*UpsertResult, error) {
		return upsertCompanyIn(ctx, tx, entity)
	})
}

// UpsertCompanies merges a deduped batch inside the transaction.
func (t *Tx) UpsertCompanies(ctx context.Context, entities []model.CompanyEntity) (*BatchResult, error) {
	for i, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, eris.Wrapf(err, "graph: batch entity %d (permid %d)", i, e.PermID)
		}
	}
	if len(entities) == 0 {
		return &BatchResult{}, nil
	}

	batch := model.DedupeByPermID(entities)
	return txOp(ctx, t, "tx upsert companies", func(ctx context.Context, tx runner) (*BatchResult, error) {
		ingested, created, err := upsertCompaniesIn(ctx, tx, batch)
		if err != nil {
			return nil, err
		}
		return &BatchResult{
			Submitted:    len(entities),
			Unique:       len(batch),
			Ingested:     ingested,
			NodesCreated: created,
		}, nil
	})
}

// CreateRelationship merges one typed edge inside the transaction.
func (t *Tx) CreateRelationship(ctx context.Context, rel model.Relationship) (*RelResult, error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}
	return txOp(ctx, t, "tx create relationship", func(ctx context.Context, tx runner) (*RelResult, error) {
		return createRelationshipIn(ctx, tx, rel)
	})
}

// CreateSupplyChain merges supply pairs inside the transaction.
func (t *Tx) CreateSupplyChain(ctx context.Context, pairs []model.SupplyPair, mode SupplyChainMode) (*SupplyChainResult, error) {
	for i, p := range pairs {
		if err := p.Validate(); err != nil {
			return nil, eris.Wrapf(err, "graph: supply pair %d", i)
		}
	}
	if len(pairs) == 0 {
		return &SupplyChainResult{}, nil
	}
	return txOp(ctx, t, "tx create supply chain", func(ctx context.Context, tx runner) (*SupplyChainResult, error) {
		return createSupplyChainIn(ctx, tx, pairs, mode)
	})
}

// Commit makes the staged work durable and releases the transaction slot.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxFinished
	}
	t.done = true
	defer t.release(ctx)

	if err := t.tx.Commit(ctx); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// Rollback discards all staged work, leaving the graph untouched, and
// releases the transaction slot.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxFinished
	}
	t.done = true
	defer t.release(ctx)

	if err := t.tx.Rollback(ctx); err != nil {
		return mapError("rollback transaction", err)
	}
	return nil
}

func (t *Tx) release(ctx context.Context) {
	_ = t.session.Close(ctx)
	<-t.client.txActive
}
