package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), fastConfig(3),
		func(error) bool { return true },
		func() (int, error) {
			calls++
			return 42, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryRecoversAfterTransientFailure(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), fastConfig(3),
		func(error) bool { return true },
		func() (string, error) {
			calls++
			if calls < 3 {
				return "", errTransient
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want %q", result, "ok")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastConfig(3),
		func(error) bool { return true },
		func() (int, error) {
			calls++
			return 0, errTransient
		})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error %v does not wrap ErrExhausted", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("error %v does not wrap the last attempt error", err)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := WithRetry(context.Background(), fastConfig(5),
		func(err error) bool { return !errors.Is(err, permanent) },
		func() (int, error) {
			calls++
			return 0, permanent
		})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("error = %v, want permanent", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("non-retryable error must not be reported as exhaustion")
	}
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := WithRetry(ctx, fastConfig(3),
		func(error) bool { return true },
		func() (int, error) {
			calls++
			return 0, errTransient
		})
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestWithRetryCancelsDuringBackoff(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   1.0,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := WithRetry(ctx, cfg,
		func(error) bool { return true },
		func() (int, error) { return 0, errTransient })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("retry kept sleeping %v after cancellation", elapsed)
	}
}

func TestWithSimpleRetryUsesDefaults(t *testing.T) {
	result, err := WithSimpleRetry(context.Background(),
		func() (bool, error) { return true, nil },
		func(error) bool { return true })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Error("result = false, want true")
	}
}
