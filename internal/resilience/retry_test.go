package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sells-group/supplychain-graph/internal/model"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultPolicy(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_TwoTransientFailuresThenSuccess(t *testing.T) {
	var calls int
	var retries []int
	p := fastPolicy(3)
	p.OnRetry = func(retry int, _ error) { retries = append(retries, retry) }

	err := Do(context.Background(), p, func(_ context.Context) error {
		calls++
		if calls <= 2 {
			return &model.TransientStoreError{Op: "merge company"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("expected retries [1 2], got %v", retries)
	}
}

func TestDo_ExhaustionWrapsLastError(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("connection dropped"), 0)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 calls for a 3-attempt budget, got %d", calls)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("exhaustion error should carry the attempt count, got %q", err)
	}
	var te *TransientError
	if !errors.As(err, &te) {
		t.Error("exhaustion error should still wrap the last underlying error")
	}
}

func TestDo_NonTransientReturnsImmediately(t *testing.T) {
	var calls int
	valErr := model.NewValidationError("permid", "must be a positive integer")

	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		return valErr
	})
	if calls != 1 {
		t.Errorf("expected 1 call for a non-transient error, got %d", calls)
	}
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error should pass through unchanged, got %v", err)
	}
	if strings.Contains(err.Error(), "attempts") {
		t.Error("non-retried errors must not be wrapped with attempt counts")
	}
}

func TestDo_ConstraintErrorNotRetried(t *testing.T) {
	var calls int
	_ = Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		return &model.ConstraintError{Constraint: "permid unique"}
	})
	if calls != 1 {
		t.Errorf("constraint violations must not be retried, got %d calls", calls)
	}
}

func TestDo_ContextCancelStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	p := Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, Multiplier: 2.0}

	err := Do(ctx, p, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 3 {
		t.Errorf("expected <= 3 calls after cancel, got %d", calls)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	p := fastPolicy(3)
	p.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	err := Do(context.Background(), p, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastPolicy(3), func(_ context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, NewTransientError(errors.New("fail"), 503)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
}

func TestDoVal_ZeroValueOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastPolicy(2), func(_ context.Context) (string, error) {
		return "partial", NewTransientError(errors.New("fail"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != "" {
		t.Errorf("expected zero value on failure, got %q", val)
	}
}

func TestPolicy_Defaults(t *testing.T) {
	p := Policy{}.withDefaults()
	if p.MaxAttempts != 3 {
		t.Errorf("default MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.BaseDelay != time.Second {
		t.Errorf("default BaseDelay = %v, want 1s", p.BaseDelay)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("default Multiplier = %v, want 2.0", p.Multiplier)
	}
}

func TestPolicy_DelayDoubles(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2.0}.withDefaults()
	p.Jitter = 0

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if got := p.delay(i + 1); got != w {
			t.Errorf("retry %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicy_DelayCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 10.0}.withDefaults()
	p.Jitter = 0
	if d := p.delay(6); d > 5*time.Second {
		t.Errorf("expected delay capped at 5s, got %v", d)
	}
}

func TestPolicy_DelayJitterSpreads(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0, Jitter: 0.5}.withDefaults()

	seen := make(map[time.Duration]bool)
	for range 100 {
		d := p.delay(1)
		seen[d] = true
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Errorf("delay %v outside [500ms, 1500ms]", d)
		}
	}
	if len(seen) < 2 {
		t.Error("expected jitter to produce varying delays")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(5, 2000, 60000, 3.0, 0)
	if p.MaxAttempts != 5 || p.BaseDelay != 2*time.Second || p.MaxDelay != time.Minute || p.Multiplier != 3.0 {
		t.Errorf("unexpected policy: %+v", p)
	}
	if p.Jitter != 0 {
		t.Errorf("explicit zero jitter should stick, got %v", p.Jitter)
	}

	// Unset values keep defaults.
	p = PolicyFromConfig(0, 0, 0, 0, -1)
	def := DefaultPolicy()
	if p.MaxAttempts != def.MaxAttempts || p.BaseDelay != def.BaseDelay || p.Jitter != def.Jitter {
		t.Errorf("zero config should fall back to defaults, got %+v", p)
	}
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	// Must not panic with the default global logger.
	RetryLogger("upsert company")(1, errors.New("test error"))
}
