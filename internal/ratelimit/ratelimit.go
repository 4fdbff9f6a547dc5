// Package ratelimit is a process-local fixed-window request counter.
//
// Windows are updated without locks. A request racing a window rollover may
// be counted against the old window; the limiter is an abuse damper, not a
// quota.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenvault/tokenvault/internal/metrics"
)

// DefaultSweepInterval bounds how often expired windows are evicted.
const DefaultSweepInterval = time.Minute

// Decision is the verdict for a single request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterMs returns RetryAfter in whole milliseconds.
func (d Decision) RetryAfterMs() int64 {
	return d.RetryAfter.Milliseconds()
}

// window is replaced, never reset in place, so a counter always belongs to
// exactly one window.
type window struct {
	resetAt int64 // unix nanoseconds
	count   atomic.Int64
}

func newWindow(resetAt int64) *window {
	w := &window{resetAt: resetAt}
	w.count.Store(1)
	return w
}

// Limiter keys windows by an arbitrary string, typically "endpoint:clientIP".
type Limiter struct {
	windows       sync.Map // string -> *window
	now           func() time.Time
	sweepInterval time.Duration
	lastSweep     atomic.Int64
	metrics       *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithSweepInterval changes how often expired windows are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// WithMetrics records decisions and the live window count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New creates a limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep.Store(l.now().UnixNano())
	return l
}

// Check counts one request against key. The first request of a new window
// resets the counter to one and is allowed; later requests are allowed
// while the count stays within max.
func (l *Limiter) Check(key string, max int, per time.Duration) Decision {
	now := l.now().UnixNano()
	l.maybeSweep(now)

	for {
		v, ok := l.windows.Load(key)
		if !ok {
			if _, loaded := l.windows.LoadOrStore(key, newWindow(now+int64(per))); !loaded {
				return Decision{Allowed: true}
			}
			continue
		}

		w := v.(*window)
		if now >= w.resetAt {
			if l.windows.CompareAndSwap(key, w, newWindow(now+int64(per))) {
				return Decision{Allowed: true}
			}
			continue
		}

		if w.count.Add(1) <= int64(max) {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, RetryAfter: time.Duration(w.resetAt - now)}
	}
}

// Len returns the number of tracked windows, expired ones included.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep evicts every window whose reset time has passed.
func (l *Limiter) Sweep() {
	l.sweep(l.now().UnixNano())
}

func (l *Limiter) maybeSweep(now int64) {
	last := l.lastSweep.Load()
	if now-last < int64(l.sweepInterval) {
		return
	}
	if !l.lastSweep.CompareAndSwap(last, now) {
		return
	}
	l.sweep(now)
}

func (l *Limiter) sweep(now int64) {
	live := 0
	l.windows.Range(func(k, v any) bool {
		if now >= v.(*window).resetAt {
			l.windows.CompareAndDelete(k, v)
		} else {
			live++
		}
		return true
	})
	l.metrics.SetRateLimitWindows(live)
}
