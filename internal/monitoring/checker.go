package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CheckerConfig holds the watch interval and alert thresholds.
type CheckerConfig struct {
	Interval          time.Duration
	LookbackHours     int
	FailRateThreshold float64
	DLQDepthThreshold int
}

// DefaultCheckerConfig checks every five minutes over a 24h window and
// flags a failure rate above 50% or more than 100 queued dead letters.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		Interval:          5 * time.Minute,
		LookbackHours:     24,
		FailRateThreshold: 0.5,
		DLQDepthThreshold: 100,
	}
}

// Checker periodically collects a snapshot and logs threshold breaches.
type Checker struct {
	collector *Collector
	cfg       CheckerConfig
}

// NewChecker creates a background health watcher.
func NewChecker(collector *Collector, cfg CheckerConfig) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = 24
	}
	return &Checker{collector: collector, cfg: cfg}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health watcher",
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health watcher stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		return
	}

	breaches := c.Evaluate(snap)
	if len(breaches) == 0 {
		log.Debug("monitoring: all thresholds clear")
		return
	}
	for _, b := range breaches {
		log.Warn("monitoring: threshold breached", zap.String("breach", b))
	}
}

// Evaluate returns a description of every threshold the snapshot breaches.
func (c *Checker) Evaluate(snap *Snapshot) []string {
	var breaches []string

	finished := snap.RunsComplete + snap.RunsPartial + snap.RunsFailed
	if finished >= 5 && snap.FailRate > c.cfg.FailRateThreshold {
		breaches = append(breaches, "run failure rate above threshold")
	}
	if c.cfg.DLQDepthThreshold > 0 && snap.DLQDepth > c.cfg.DLQDepthThreshold {
		breaches = append(breaches, "dead-letter queue depth above threshold")
	}
	return breaches
}
