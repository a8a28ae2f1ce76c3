package synthesis

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// RetryNotice is delivered before each backoff wait.
type RetryNotice struct {
	Attempt int // the attempt about to be made, starting at 2
	Delay   time.Duration
	Err     error
}

// Message is the user-facing form of the notice.
func (n RetryNotice) Message() string { return RetryMessage(n.Attempt) }

// Retrier runs an operation with bounded exponential backoff. Only errors
// accepted by Retryable are retried; the delay before retry n (0-indexed)
// is BaseDelay * 2^n.
type Retrier struct {
	MaxRetries int
	BaseDelay  time.Duration
	Retryable  func(error) bool
	Sleep      SleepFunc
	OnRetry    func(RetryNotice)
}

// NewRetrier returns a Retrier with 3 retries, 1s base delay and the
// IsRetryable classifier.
func NewRetrier() *Retrier {
	return &Retrier{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Retryable:  IsRetryable,
		Sleep:      sleepContext,
	}
}

// Backoff returns the delay before retry n (0-indexed).
func (r *Retrier) Backoff(n int) time.Duration {
	return r.BaseDelay * time.Duration(1<<n)
}

// Do calls fn until it succeeds, fails terminally, or the retry budget is
// spent. The last error is returned unchanged so callers can inspect it.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := r.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for n := 0; ; n++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) || n >= r.MaxRetries {
			return lastErr
		}

		delay := r.Backoff(n)
		if r.OnRetry != nil {
			r.OnRetry(RetryNotice{Attempt: n + 2, Delay: delay, Err: err})
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("waiting to retry: %w", err)
		}
	}
}
