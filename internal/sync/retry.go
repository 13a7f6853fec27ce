// Package sync implements the calendar synchronization engine: change-set
// building, conflict detection and resolution, and the orchestrator that
// drives a sync run end to end.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/studypath/calsync/internal/provider"
)

var ErrRetriesExhausted = errors.New("provider retries exhausted")

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 60 * time.Second
)

// RetryScheduler wraps provider calls with backoff and retry. Retryable
// failures (5xx, 429) back off exponentially with jitter, honoring a
// Retry-After hint when the provider supplies one. Auth failures are never
// retried.
type RetryScheduler struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	limiter     *rate.Limiter

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryScheduler creates a retry scheduler. limiter may be nil to skip
// client-side rate limiting.
func NewRetryScheduler(limiter *rate.Limiter) *RetryScheduler {
	return &RetryScheduler{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		limiter:     limiter,
		sleep:       sleepContext,
	}
}

// Do runs fn, retrying retryable provider failures up to the attempt cap.
// Non-retryable errors (auth, expired sync token) return immediately so the
// orchestrator can act on them.
func (r *RetryScheduler) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !provider.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == r.maxAttempts {
			break
		}

		delay := r.backoff(attempt)
		if hint := provider.RetryAfter(lastErr); hint > delay {
			delay = hint
		}

		log.Printf("Retrying %s after %v (attempt %d/%d): %v", op, delay, attempt, r.maxAttempts, lastErr)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrRetriesExhausted, op, r.maxAttempts, lastErr)
}

// backoff returns base * 2^(attempt-1) with +/-50% jitter, capped at maxDelay.
func (r *RetryScheduler) backoff(attempt int) time.Duration {
	delay := r.baseDelay << (attempt - 1)
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)))
	return delay/2 + jitter
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
