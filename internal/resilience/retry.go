package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Policy controls bounded retry with exponential backoff. Callers hold and
// pass a Policy explicitly; there is no package-global retry state.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first try.
	// 1 means no retries. Default: 3.
	MaxAttempts int

	// BaseDelay is the pause before the first retry; each subsequent pause
	// is the previous one scaled by Multiplier. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the computed pause. Default: 30s.
	MaxDelay time.Duration

	// Multiplier scales the delay between attempts. Default: 2 (doubling).
	Multiplier float64

	// Jitter spreads each pause by ±Jitter fraction of the computed delay
	// so concurrent retries don't stampede. Default: 0.25.
	Jitter float64

	// ShouldRetry overrides the default transient check. If nil, IsTransient
	// decides: only transient store or network faults are retried.
	ShouldRetry func(err error) bool

	// OnRetry runs before each retry sleep with the retry number (1-based)
	// and the error that triggered it.
	OnRetry func(retry int, err error)
}

// DefaultPolicy returns the standard policy for store operations.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.25,
	}
}

// Do runs fn under p. Non-retryable errors return immediately and unchanged.
// When every attempt fails, the last error is returned wrapped with the
// attempt count. Context cancellation aborts both between attempts and
// during backoff sleeps.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for operations that produce a value.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, eris.Wrapf(lastErr, "retry budget exhausted after %d attempts", p.MaxAttempts)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// delay computes the pause after the given attempt (1-based): BaseDelay for
// the first retry, doubling (or Multiplier-scaling) thereafter, capped at
// MaxDelay, spread by ±Jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RetryLogger returns an OnRetry callback that logs each retry with the
// global logger.
func RetryLogger(operation string) func(int, error) {
	return func(retry int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("retry", retry),
			zap.Error(err),
		)
	}
}
