package queue

import (
	"context"
	"sync"
	"time"

	"github.com/issuesync/issuesync/pkg/telemetry"
)

// RateLimiter is a sliding-window limiter shared by the API clients. At
// most maxRequests acquisitions succeed per window; Acquire blocks the
// caller until the earliest recorded timestamp leaves the window.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	metrics     *telemetry.Metrics

	mu         sync.Mutex
	timestamps []time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter creates a rate limiter. A zero window defaults to 60
// seconds; a non-positive maxRequests defaults to 100.
func NewRateLimiter(maxRequests int, window time.Duration, metrics *telemetry.Metrics) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Acquire blocks until a slot is available or the context is cancelled,
// then records a timestamp.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := r.now()
		r.prune(now)
		if len(r.timestamps) < r.maxRequests {
			r.timestamps = append(r.timestamps, now)
			r.mu.Unlock()
			return nil
		}
		wait := r.timestamps[0].Add(r.window).Sub(now)
		r.mu.Unlock()

		r.metrics.RecordRateLimitWait()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryAcquire records a timestamp if a slot is free, without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	if len(r.timestamps) >= r.maxRequests {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// Remaining returns the number of acquisitions left in the current window.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return r.maxRequests - len(r.timestamps)
}

// ResetIn returns how long until the earliest timestamp leaves the window,
// or zero when the window is empty.
func (r *RateLimiter) ResetIn() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	if len(r.timestamps) == 0 {
		return 0
	}
	d := r.timestamps[0].Add(r.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// prune drops timestamps outside the window. Callers hold the lock.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.timestamps) && !r.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.timestamps = append(r.timestamps[:0], r.timestamps[i:]...)
	}
}
