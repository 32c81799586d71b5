package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/circuitbreaker"
)

// RetryPolicy retries transient failures with exponential backoff:
// attempt n waits BaseDelay * 2^(n-1) before the next try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// AttemptTimeout bounds each attempt on its own. Zero leaves only the caller's deadline.
	AttemptTimeout time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
	OnRetry        func(attempt int, delay time.Duration, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(attempt-1))
}

// Budget is the longest Do can take when every attempt times out. It is zero when
// AttemptTimeout is unset.
func (p RetryPolicy) Budget() time.Duration {
	if p.AttemptTimeout <= 0 {
		return 0
	}
	attempts := max(p.MaxAttempts, 1)
	total := time.Duration(attempts) * p.AttemptTimeout
	for attempt := 1; attempt < attempts; attempt++ {
		total += p.Delay(attempt)
	}
	return total
}

// Retryable reports whether err is worth another attempt. Auth failures, rejections
// and an open breaker are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the attempts run out.
// Exhaustion returns a *TransientError carrying the attempt count. Running out of time on
// ctx's deadline counts as exhaustion; cancellation of ctx is returned as is.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		lastErr = p.run(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	attempt = min(attempt, attempts)
	var te *TransientError
	if errors.As(lastErr, &te) {
		return &TransientError{StatusCode: te.StatusCode, Attempts: attempt, Err: te.Err}
	}
	return &TransientError{Attempts: attempt, Err: lastErr}
}

func (p RetryPolicy) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
