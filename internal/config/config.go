// Package config loads settings from config.yaml and SCG_-prefixed
// environment variables. Environment values override the file and the file
// overrides built-in defaults. Validate checks only the settings a command
// actually uses, keyed by mode, so ledger-only commands run without a
// reachable Neo4j.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/supplychain-graph/internal/graph"
	"github.com/sells-group/supplychain-graph/internal/ingest"
	"github.com/sells-group/supplychain-graph/internal/resilience"
	"github.com/sells-group/supplychain-graph/internal/wikidata"
)

// Validation modes. ModeIngest covers every command that reads from or
// writes to the graph, ModeServe adds the HTTP API requirements, ModeLedger
// is for commands that only touch the run ledger and the dead-letter queue.
const (
	ModeIngest = "ingest"
	ModeServe  = "serve"
	ModeLedger = "ledger"
)

// Config holds the full application configuration.
type Config struct {
	Neo4j    graph.Config   `yaml:"neo4j" mapstructure:"neo4j"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Wikidata WikidataConfig `yaml:"wikidata" mapstructure:"wikidata"`
	Ingest   ingest.Config  `yaml:"ingest" mapstructure:"ingest"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Breaker  BreakerConfig  `yaml:"breaker" mapstructure:"breaker"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the run-ledger backend. DatabaseURL is a pgx DSN for
// the postgres driver and a file path for sqlite.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// WikidataConfig tunes the SPARQL extraction client. An empty UserAgent
// falls back to the client default.
type WikidataConfig struct {
	Endpoint          string  `yaml:"endpoint" mapstructure:"endpoint"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	SearchLimit       int     `yaml:"search_limit" mapstructure:"search_limit"`
}

// RetryConfig holds the backoff schedule for transient failures.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter      float64 `yaml:"jitter" mapstructure:"jitter"`
}

// Policy converts the section into a retry policy.
func (r RetryConfig) Policy() resilience.Policy {
	return resilience.PolicyFromConfig(r.MaxAttempts, r.BaseDelayMs, r.MaxDelayMs, r.Multiplier, r.Jitter)
}

// BreakerConfig holds the circuit-breaker thresholds for outbound calls.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Breaker converts the section into a breaker configuration.
func (b BreakerConfig) Breaker() resilience.BreakerConfig {
	return resilience.BreakerFromConfig(b.FailureThreshold, b.ResetTimeoutSecs)
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. A missing config.yaml
// is not an error.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.max_pool_size", 50)
	v.SetDefault("neo4j.query_rps", 0.0)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "supplychain.db")
	v.SetDefault("wikidata.endpoint", wikidata.DefaultEndpoint)
	v.SetDefault("wikidata.requests_per_second", 1.0)
	v.SetDefault("wikidata.search_limit", 50)
	v.SetDefault("ingest.batch_size", 50)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.max_dlq_retries", 5)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate reports every problem that would stop the given mode from
// running, joined into a single error so a misconfigured deployment surfaces
// all of its mistakes at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, `store.driver must be "sqlite" or "postgres"`)
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case ModeLedger:
		// Ledger commands never open a graph session.
	case ModeIngest:
		problems = append(problems, c.graphProblems()...)
	case ModeServe:
		problems = append(problems, c.graphProblems()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for mode %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) graphProblems() []string {
	var problems []string
	if c.Neo4j.URI == "" {
		problems = append(problems, "neo4j.uri is required")
	}
	if c.Neo4j.Username == "" {
		problems = append(problems, "neo4j.username is required")
	}
	if c.Neo4j.MaxPoolSize < 1 || c.Neo4j.MaxPoolSize > 200 {
		problems = append(problems, "neo4j.max_pool_size must be between 1 and 200")
	}
	if c.Neo4j.QueryRPS < 0 {
		problems = append(problems, "neo4j.query_rps must be >= 0")
	}
	if c.Ingest.BatchSize < 1 || c.Ingest.BatchSize > 1000 {
		problems = append(problems, "ingest.batch_size must be between 1 and 1000")
	}
	if c.Ingest.Workers < 1 || c.Ingest.Workers > 32 {
		problems = append(problems, "ingest.workers must be between 1 and 32")
	}
	if c.Ingest.MaxDLQRetries < 0 {
		problems = append(problems, "ingest.max_dlq_retries must be >= 0")
	}
	if c.Wikidata.RequestsPerSecond <= 0 {
		problems = append(problems, "wikidata.requests_per_second must be > 0")
	}
	if c.Wikidata.SearchLimit < 1 || c.Wikidata.SearchLimit > 500 {
		problems = append(problems, "wikidata.search_limit must be between 1 and 500")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be >= 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		problems = append(problems, "breaker.failure_threshold must be >= 1")
	}
	return problems
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
