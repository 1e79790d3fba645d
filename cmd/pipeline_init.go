package main

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplychain-graph/internal/config"
	"github.com/sells-group/supplychain-graph/internal/graph"
	"github.com/sells-group/supplychain-graph/internal/ingest"
	"github.com/sells-group/supplychain-graph/internal/resilience"
	"github.com/sells-group/supplychain-graph/internal/store"
	"github.com/sells-group/supplychain-graph/internal/wikidata"
)

// initStore opens the run-ledger backend selected by config and applies
// migrations so every command sees the current schema.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initGraph connects to Neo4j with the configured retry schedule.
func initGraph(ctx context.Context) (*graph.Client, error) {
	if err := cfg.Validate(config.ModeIngest); err != nil {
		return nil, err
	}
	return graph.NewClient(ctx, cfg.Neo4j, graph.WithRetryPolicy(cfg.Retry.Policy()))
}

func initWikidata() wikidata.Client {
	opts := []wikidata.Option{
		wikidata.WithRetryPolicy(cfg.Retry.Policy()),
		wikidata.WithBreaker(resilience.NewBreaker(cfg.Breaker.Breaker())),
	}
	if cfg.Wikidata.Endpoint != "" {
		opts = append(opts, wikidata.WithEndpoint(cfg.Wikidata.Endpoint))
	}
	if cfg.Wikidata.UserAgent != "" {
		opts = append(opts, wikidata.WithUserAgent(cfg.Wikidata.UserAgent))
	}
	if cfg.Wikidata.RequestsPerSecond > 0 {
		opts = append(opts, wikidata.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.Wikidata.RequestsPerSecond), 1)))
	}
	return wikidata.NewClient(opts...)
}

// pipelineEnv bundles everything an ingestion command needs so a single
// defer releases it all.
type pipelineEnv struct {
	Store    store.Store
	Graph    *graph.Client
	Pipeline *ingest.Pipeline
}

func (e *pipelineEnv) Close(ctx context.Context) {
	if e.Graph != nil {
		_ = e.Graph.Close(ctx)
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initPipeline wires store, graph, and the Wikidata client into a pipeline.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	gc, err := initGraph(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	env := &pipelineEnv{
		Store: st,
		Graph: gc,
	}
	env.Pipeline = ingest.New(cfg.Ingest, st, ingest.WrapClient(gc), initWikidata())
	return env, nil
}
