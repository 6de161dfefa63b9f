package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VancouverCanada/openport/pkg/apierror"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryLimiterFixedWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter().WithClock(clock.Now)
	ctx := context.Background()
	policy := Policy{Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "agent:key_1:10.0.0.1", policy)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "admission %d", i+1)
	}

	clock.Advance(20 * time.Second)
	d, err := l.Allow(ctx, "agent:key_1:10.0.0.1", policy)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	// Other keys have their own window.
	d, err = l.Allow(ctx, "agent:key_1:10.0.0.2", policy)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(40 * time.Second)
	d, err = l.Allow(ctx, "agent:key_1:10.0.0.1", policy)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "window resets at its boundary")
}

func TestMemoryLimiterNeverExceedsLimitConcurrently(t *testing.T) {
	l := NewMemoryLimiter()
	policy := Policy{Limit: 50, Window: time.Hour}
	var admitted atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "shared", policy)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), admitted.Load())
}

func TestMemoryLimiterSweepsExpiredWindows(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter().WithClock(clock.Now)
	policy := Policy{Limit: 1, Window: time.Second}

	for i := 0; i < sweepEvery-1; i++ {
		_, _ = l.Allow(context.Background(), fmt.Sprintf("k%d", i), policy)
	}
	require.Equal(t, sweepEvery-1, l.Len())

	clock.Advance(2 * time.Second)
	_, _ = l.Allow(context.Background(), "fresh", policy)
	assert.Equal(t, 1, l.Len())
}

func TestEnforce(t *testing.T) {
	l := NewMemoryLimiter()
	policy := Policy{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	require.NoError(t, Enforce(ctx, l, "k", policy))
	err := Enforce(ctx, l, "k", policy)
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.CodeRateLimited))

	coded, _ := apierror.From(err)
	assert.Equal(t, 429, coded.Status)
	assert.Equal(t, 60, coded.Details["retryAfterSeconds"])

	assert.Error(t, Enforce(ctx, nil, "k", policy), "nil limiter fails closed")
}

// Requires a running Redis; skipped otherwise.
func TestRedisLimiter_Integration(t *testing.T) {
	l := NewRedisLimiter("localhost:6379", "", 0)
	defer l.Close()
	ctx := context.Background()
	if err := l.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test-" + time.Now().Format(time.RFC3339Nano)
	policy := Policy{Limit: 2, Window: time.Second}

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, key, policy)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, key, policy)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.LessOrEqual(t, d.RetryAfter, time.Second)

	time.Sleep(1100 * time.Millisecond)
	d, err = l.Allow(ctx, key, policy)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
