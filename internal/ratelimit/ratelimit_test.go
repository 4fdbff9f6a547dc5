package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
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

func TestLimiter_FixedWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	var allowed []bool
	for i := 0; i < 6; i++ {
		allowed = append(allowed, l.Check("store:10.0.0.1", 5, time.Second).Allowed)
		clock.Advance(10 * time.Millisecond)
	}
	assert.Equal(t, []bool{true, true, true, true, true, false}, allowed)

	clock.Advance(time.Second)
	assert.True(t, l.Check("store:10.0.0.1", 5, time.Second).Allowed)
}

func TestLimiter_RetryAfterIsRemainingWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	require.True(t, l.Check("k", 1, time.Second).Allowed)
	clock.Advance(300 * time.Millisecond)

	d := l.Check("k", 1, time.Second)
	assert.False(t, d.Allowed)
	assert.Equal(t, 700*time.Millisecond, d.RetryAfter)
	assert.Equal(t, int64(700), d.RetryAfterMs())
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(WithClock(newFakeClock().Now))

	require.True(t, l.Check("store:a", 1, time.Minute).Allowed)
	assert.False(t, l.Check("store:a", 1, time.Minute).Allowed)
	assert.True(t, l.Check("store:b", 1, time.Minute).Allowed)
	assert.True(t, l.Check("send:a", 1, time.Minute).Allowed)
}

func TestLimiter_LazySweep(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithSweepInterval(time.Minute))

	l.Check("a", 5, time.Second)
	l.Check("b", 5, time.Second)
	assert.Equal(t, 2, l.Len())

	// Expired but the sweep interval has not passed yet.
	clock.Advance(2 * time.Second)
	l.Check("c", 5, time.Second)
	assert.Equal(t, 3, l.Len())

	clock.Advance(time.Minute)
	l.Check("d", 5, time.Second)
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_ExplicitSweep(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	l.Check("a", 5, time.Second)
	l.Check("b", 5, time.Hour)
	clock.Advance(2 * time.Second)
	l.Sweep()
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_ConcurrentWithinOneWindow(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	var allowed atomic.Int64

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("hot", 50, time.Hour).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1001*time.Millisecond))
	assert.Equal(t, 60, RetryAfterSeconds(time.Minute))
}
