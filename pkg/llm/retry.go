package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/resilience"
)

// ErrRetryBudget is returned when a provider asks for a longer pause than
// MaxDelay allows. A reply that late is no longer worth producing.
var ErrRetryBudget = errors.New("llm: retry hint exceeds delay budget")

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait, including provider Retry-After hints.
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Retry calls fn with exponential backoff until it succeeds, the error is
// not retryable or attempts run out. A rate limit carrying a retry hint
// waits for the hint instead of the backoff, and fails fast with
// ErrRetryBudget when the hint exceeds MaxDelay.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == cfg.MaxAttempts-1 || !cfg.IsRetryable(err) {
			break
		}
		wait := backoffDelay(cfg, attempt, r)
		if hint := resilience.RetryAfter(err); hint > 0 {
			if hint > cfg.MaxDelay {
				return zero, fmt.Errorf("%w (%s): %w", ErrRetryBudget, hint, err)
			}
			wait = hint
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("llm retry failed: %w", lastErr)
}

// DefaultIsRetryable retries everything except cancellation, stream
// desyncs and lost transports.
func DefaultIsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errorsx.KindOf(err) {
	case errorsx.KindStreamDesync, errorsx.KindFatalTransport, errorsx.KindCanceled:
		return false
	}
	return true
}

func backoffDelay(cfg RetryConfig, attempt int, r *rand.Rand) time.Duration {
	d := cfg.BaseDelay << attempt
	if d <= 0 || d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		d += time.Duration(float64(d) * cfg.Jitter * r.Float64())
	}
	return d
}
