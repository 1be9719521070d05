package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"pgregory.net/rapid"
)

var throttled = &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}

func fastRetrier(maxRetries int) Retrier {
	return Retrier{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrier_RetriesTransientErrors(t *testing.T) {
	var calls, retries int
	r := fastRetrier(3)
	r.OnRetry = func(op string, attempt int, err error) {
		retries++
		if op != "s3:PutObject" {
			t.Errorf("unexpected op %s", op)
		}
	}

	err := r.Do(context.Background(), "s3:PutObject", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return throttled
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if retries != 2 {
		t.Errorf("expected 2 retries, got %d", retries)
	}
}

func TestRetrier_NonTransientNotRetried(t *testing.T) {
	calls := 0
	denied := &smithy.GenericAPIError{Code: "AccessDenied"}
	err := fastRetrier(5).Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return denied
	})
	if !errors.Is(err, denied) {
		t.Errorf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestRetrier_BudgetExhausted(t *testing.T) {
	calls := 0
	err := fastRetrier(2).Do(context.Background(), "route53:GetChange", func(ctx context.Context) error {
		calls++
		return throttled
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !IsTransient(err) {
		t.Errorf("expected the wrapped cause to stay transient, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 1 call plus 2 retries, got %d", calls)
	}
}

func TestRetrier_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{MaxRetries: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	r.OnRetry = func(string, int, error) { cancel() }

	err := r.Do(ctx, "op", func(ctx context.Context) error { return throttled })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRetrier_CallTimeout(t *testing.T) {
	r := fastRetrier(1)
	r.CallTimeout = 5 * time.Millisecond
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a timed out call to be retried once, got %d calls", calls)
	}
}

func TestRetrier_AttemptCountProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRetries := rapid.IntRange(0, 4).Draw(t, "maxRetries")
		failures := rapid.IntRange(0, 6).Draw(t, "failures")

		calls := 0
		err := fastRetrier(maxRetries).Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			if calls <= failures {
				return throttled
			}
			return nil
		})

		if failures <= maxRetries {
			if err != nil {
				t.Fatalf("expected success with %d failures and %d retries, got %v", failures, maxRetries, err)
			}
			if calls != failures+1 {
				t.Fatalf("expected %d calls, got %d", failures+1, calls)
			}
		} else {
			if err == nil {
				t.Fatalf("expected failure with %d failures and %d retries", failures, maxRetries)
			}
			if calls != maxRetries+1 {
				t.Fatalf("expected %d calls, got %d", maxRetries+1, calls)
			}
		}
	})
}

func TestPoll(t *testing.T) {
	t.Run("done", func(t *testing.T) {
		n := 0
		err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
			n++
			return n == 3, nil
		})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 checks, got %d", n)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		err := Poll(context.Background(), time.Millisecond, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		if !errors.Is(err, ErrPollTimeout) {
			t.Errorf("expected ErrPollTimeout, got %v", err)
		}
	})

	t.Run("check error", func(t *testing.T) {
		boom := errors.New("boom")
		err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
			return false, boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected check error, got %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var checks atomic.Int32
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		start := time.Now()
		err := Poll(ctx, time.Hour, time.Hour, func(ctx context.Context) (bool, error) {
			checks.Add(1)
			return false, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if time.Since(start) > time.Minute {
			t.Error("expected cancellation to end the wait immediately")
		}
		if checks.Load() != 1 {
			t.Errorf("expected one check, got %d", checks.Load())
		}
	})
}
