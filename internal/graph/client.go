// Package graph implements the Neo4j-backed supply chain store: idempotent
// company upserts, typed relationships between existing companies, explicit
// multi-statement transactions, GDS projection lifecycle, and the
// statistics/consistency surface. All writes go through MERGE so replaying
// an ingestion batch converges to the same graph.
package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplychain-graph/internal/resilience"
)

// Config holds connection parameters for the graph store.
type Config struct {
	URI      string `yaml:"uri" mapstructure:"uri"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`

	// MaxPoolSize bounds the driver connection pool; zero keeps the driver
	// default. Acquire timeouts surface as transient errors.
	MaxPoolSize int `yaml:"max_pool_size" mapstructure:"max_pool_size"`

	// QueryRPS throttles outbound queries to a fixed rate. Throttled calls
	// wait, they are never rejected. Zero disables the limiter.
	QueryRPS float64 `yaml:"query_rps" mapstructure:"query_rps"`
}

// Client wraps the Bolt driver with throttling, bounded retry, and
// per-instance metrics. Safe for concurrent use; each operation runs in its
// own session except for explicit transactions opened with BeginTx.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	limiter  *rate.Limiter
	policy   resilience.Policy
	metrics  *Metrics

	txActive chan struct{} // capacity 1; held while an explicit tx is open
}

// Option adjusts client construction.
type Option func(*Client)

// WithRetryPolicy overrides the default retry policy for store operations.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient connects to the graph store and verifies connectivity.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.URI == "" {
		return nil, eris.New("graph: uri is required")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			if cfg.MaxPoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.MaxPoolSize
			}
			c.SocketConnectTimeout = 5 * time.Second
		})
	if err != nil {
		return nil, eris.Wrap(err, "graph: create driver")
	}

	c := &Client{
		driver:   driver,
		database: cfg.Database,
		policy:   resilience.DefaultPolicy(),
		metrics:  &Metrics{},
		txActive: make(chan struct{}, 1),
	}
	if cfg.QueryRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRPS), 1)
	}
	for _, opt := range opts {
		opt(c)
	}

	// Count retries on the client regardless of the policy in use.
	onRetry := c.policy.OnRetry
	c.policy.OnRetry = func(retry int, err error) {
		c.metrics.recordRetry()
		zap.L().Warn("graph: retrying operation",
			zap.Int("retry", retry),
			zap.Error(err),
		)
		if onRetry != nil {
			onRetry(retry, err)
		}
	}

	if err := c.Ping(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return c, nil
}

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return mapError("verify connectivity", err)
	}
	return nil
}

// Metrics returns the client's counter set.
func (c *Client) Metrics() *Metrics { return c.metrics }

// Close releases the driver and its connection pool.
func (c *Client) Close(ctx context.Context) error {
	return eris.Wrap(c.driver.Close(ctx), "graph: close driver")
}

func (c *Client) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: c.database,
	})
}

// wait blocks until the rate limiter admits the next query.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "graph: rate limiter wait")
	}
	return nil
}

// runner is the statement surface shared by managed and explicit
// transactions; operation bodies are written against it so the same Cypher
// runs on either path.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

// writeTx runs work inside a managed write transaction with throttling,
// retry, and metrics applied. The work function either fully commits or the
// driver rolls the whole transaction back.
func writeTx[T any](ctx context.Context, c *Client, op string, work func(ctx context.Context, tx runner) (T, error)) (T, error) {
	return resilience.DoVal(ctx, c.policy, func(ctx context.Context) (T, error) {
		var zero T
		if err := c.wait(ctx); err != nil {
			return zero, err
		}

		session := c.session(ctx, neo4j.AccessModeWrite)
		defer session.Close(ctx)

		start := time.Now()
		var out T
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			var workErr error
			out, workErr = work(ctx, tx)
			return nil, workErr
		})
		c.metrics.recordQuery(time.Since(start), err)
		if err != nil {
			return zero, mapError(op, err)
		}
		return out, nil
	})
}

// readTx is writeTx for read-only sessions.
func readTx[T any](ctx context.Context, c *Client, op string, work func(ctx context.Context, tx runner) (T, error)) (T, error) {
	return resilience.DoVal(ctx, c.policy, func(ctx context.Context) (T, error) {
		var zero T
		if err := c.wait(ctx); err != nil {
			return zero, err
		}

		session := c.session(ctx, neo4j.AccessModeRead)
		defer session.Close(ctx)

		start := time.Now()
		var out T
		_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			var workErr error
			out, workErr = work(ctx, tx)
			return nil, workErr
		})
		c.metrics.recordQuery(time.Since(start), err)
		if err != nil {
			return zero, mapError(op, err)
		}
		return out, nil
	})
}
