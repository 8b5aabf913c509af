package afk

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy controls retry attempts and backoff for model calls,
// delegation nodes, and queued tasks.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BackoffBase is the delay before the second attempt. Each subsequent
	// delay doubles, capped at BackoffMax.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`
	// BackoffMax caps the exponential delay. Zero means no cap.
	BackoffMax time.Duration `json:"backoff_max" yaml:"backoff_max"`
	// Jitter adds uniform random delay in [0, Jitter) to every backoff.
	Jitter time.Duration `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy is used when no policy is configured at any level.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		Jitter:      500 * time.Millisecond,
	}
}

// Delay returns the backoff before attempt n (1-based; n=1 is the delay
// after the first failure): min(BackoffMax, BackoffBase * 2^(n-1)) plus
// uniform jitter in [0, Jitter).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	// Shift with overflow guard; 1<<62 nanoseconds is already ~146 years.
	var d time.Duration
	if n-1 < 62 {
		d = p.BackoffBase * (1 << (n - 1))
	} else {
		d = 1 << 62
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// attempts returns MaxAttempts clamped to at least 1.
func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
// Returns ctx.Err() when the context won.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryCall invokes fn up to policy.MaxAttempts times, sleeping the policy
// backoff between failures. retryable decides whether an error is worth
// another attempt; a nil retryable retries everything. Returns the last
// result, the number of attempts actually made, and the last error.
func retryCall[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, name string, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	var last error
	max := policy.attempts()
	for i := 1; i <= max; i++ {
		result, err := fn(ctx)
		if err == nil {
			return result, i, nil
		}
		last = err
		if retryable != nil && !retryable(err) {
			return zero, i, err
		}
		if i == max {
			break
		}
		logger.Warn("retrying after failure",
			"op", name,
			"attempt", i,
			"max_attempts", max,
			"error", err)
		if serr := sleepCtx(ctx, policy.Delay(i)); serr != nil {
			return zero, i, serr
		}
	}
	logger.Error("all retry attempts exhausted",
		"op", name,
		"attempts", max,
		"error", last)
	return zero, max, last
}
