package provider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Retrier retries calls that fail with a transient error, waiting an
// exponentially increasing duration with jitter between attempts.
type Retrier struct {
	MaxRetries  int           // Retries after the first attempt
	BaseDelay   time.Duration // Delay before the first retry, 100ms when zero
	MaxDelay    time.Duration // Upper bound of the delay before jitter, 30s when zero
	CallTimeout time.Duration // Per-attempt timeout, none when zero

	// OnRetry is called before every retry.
	OnRetry func(op string, attempt int, err error)
}

// Do calls fn until it succeeds, fails with a non-transient error or the
// retry budget is spent. A cancelled ctx ends the loop with its error.
func (r Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= r.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, attempt, err)
		}
		if r.OnRetry != nil {
			r.OnRetry(op, attempt+1, err)
		}
		if !r.backoffWait(ctx, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

func (r Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context is cancelled during the wait.
func (r Retrier) backoffWait(ctx context.Context, attempt int) bool {
	base := r.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := base * time.Duration(1<<uint(min(attempt, 30)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// Add jitter: random value between 0 and delay
	jitter := time.Duration(rand.Int64N(int64(delay)))
	delay = delay + jitter

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// call runs fn through r and returns its result.
func call[T any](ctx context.Context, r Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Poll calls check until it reports done, waiting interval between calls.
// It returns ErrPollTimeout once timeout has elapsed and the context error
// as soon as ctx is cancelled.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrPollTimeout
		}
		wait := min(interval, remaining)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
