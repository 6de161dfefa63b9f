// Package ratelimit implements fixed-window admission counters keyed by
// principal and client address.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
)

// Policy is a fixed window: at most Limit admissions per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultAgentPolicy is applied per key and client address.
var DefaultAgentPolicy = Policy{Limit: 240, Window: 60 * time.Second}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter abstracts the storage for rate limiting windows.
type Limiter interface {
	// Allow admits one request under key, or reports when the current
	// window resets.
	Allow(ctx context.Context, key string, policy Policy) (Decision, error)
}

// Enforce admits one request or returns a 429 agent.rate_limited error
// whose details carry the retry delay in seconds. A nil limiter fails
// closed.
func Enforce(ctx context.Context, l Limiter, key string, policy Policy) error {
	if l == nil {
		return fmt.Errorf("ratelimit: no limiter configured")
	}
	d, err := l.Allow(ctx, key, policy)
	if err != nil {
		return fmt.Errorf("ratelimit check failed: %w", err)
	}
	if !d.Allowed {
		secs := int((d.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return apierror.RateLimited("Rate limit exceeded").
			WithDetails(map[string]any{"retryAfterSeconds": secs})
	}
	return nil
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps windows in process memory, for tests and
// single-instance deployments.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	clock   func() time.Time
	calls   int
}

// sweepEvery bounds how often expired windows are dropped.
const sweepEvery = 1024

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		clock:   time.Now,
	}
}

// WithClock overrides the time source (for deterministic tests).
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string, policy Policy) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.calls++
	if l.calls%sweepEvery == 0 {
		for k, w := range l.windows {
			if !w.resetAt.After(now) {
				delete(l.windows, k)
			}
		}
	}

	w, ok := l.windows[key]
	if !ok || !w.resetAt.After(now) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(policy.Window)}
		return Decision{Allowed: true}, nil
	}
	if w.count >= policy.Limit {
		return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}, nil
	}
	w.count++
	return Decision{Allowed: true}, nil
}

// Len reports the number of live windows.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
