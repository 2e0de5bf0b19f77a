package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "chestnut/pkg/logx"
)

// DefaultWindow is the rate accounting period.
const DefaultWindow = time.Minute

// Limiter is a fixed-window counter: a global budget plus a budget per tracker
// that declares a limit. Counters only move on RecordSuccess, so Acquire never
// reserves capacity. All state is guarded by mu since Reset arrives from the
// reload path while the worker is waiting.
type Limiter struct {
	mu          sync.Mutex
	window      time.Duration
	globalLimit int
	global      int
	perTracker  map[string]int
	resetAt     time.Time
	// wake is closed and replaced whenever limits or counters change out of band.
	wake chan struct{}

	log     logx.Logger
	waitLog rate.Sometimes
}

type LimiterOption func(*Limiter)

// WithWindow overrides the accounting period.
func WithWindow(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func WithLimiterLogger(log logx.Logger) LimiterOption {
	return func(l *Limiter) { l.log = log }
}

// NewLimiter creates a limiter allowing globalPerWindow successes per window.
// Values below 1 behave as 1.
func NewLimiter(globalPerWindow int, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		window:     DefaultWindow,
		perTracker: map[string]int{},
		wake:       make(chan struct{}),
		waitLog:    rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.globalLimit = max(1, globalPerWindow)
	l.resetAt = time.Now().Add(l.window)
	return l
}

// Acquire blocks until both the global window and, when perTrackerLimit > 0,
// the tracker's window have room. It returns ctx.Err() if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, name string, perTrackerLimit int) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.rollLocked(now)

		var scope string
		switch {
		case l.global >= l.globalLimit:
			scope = "global"
		case name != "" && perTrackerLimit > 0 && l.perTracker[name] >= perTrackerLimit:
			scope = "tracker"
		default:
			l.mu.Unlock()
			return nil
		}
		wait := l.resetAt.Sub(now)
		wake := l.wake
		l.mu.Unlock()

		l.waitLog.Do(func() {
			l.log.Debug("rate limit reached, waiting for window",
				logx.String("scope", scope),
				logx.Tracker(name),
				logx.Duration("wait", wait),
			)
		})

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// RecordSuccess counts one delivery against the global window and, when the
// tracker declares a limit, against the tracker's window.
func (l *Limiter) RecordSuccess(name string, perTrackerLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(time.Now())
	l.global++
	if name != "" && perTrackerLimit > 0 {
		l.perTracker[name]++
	}
}

// Reset clears every counter and starts a fresh window now.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.resetLocked(time.Now())
	l.signalLocked()
	l.mu.Unlock()
}

// SetGlobalLimit changes the global budget. Values below 1 behave as 1.
func (l *Limiter) SetGlobalLimit(n int) {
	l.mu.Lock()
	l.globalLimit = max(1, n)
	l.signalLocked()
	l.mu.Unlock()
}

type LimiterSnapshot struct {
	GlobalLimit int            `json:"global_limit"`
	GlobalCount int            `json:"global_count"`
	PerTracker  map[string]int `json:"per_tracker,omitempty"`
	ResetIn     time.Duration  `json:"reset_in"`
}

func (l *Limiter) Snapshot() LimiterSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.rollLocked(now)
	per := make(map[string]int, len(l.perTracker))
	for k, v := range l.perTracker {
		if v > 0 {
			per[k] = v
		}
	}
	return LimiterSnapshot{
		GlobalLimit: l.globalLimit,
		GlobalCount: l.global,
		PerTracker:  per,
		ResetIn:     l.resetAt.Sub(now),
	}
}

func (l *Limiter) rollLocked(now time.Time) {
	if !now.Before(l.resetAt) {
		l.resetLocked(now)
	}
}

func (l *Limiter) resetLocked(now time.Time) {
	l.global = 0
	clear(l.perTracker)
	l.resetAt = now.Add(l.window)
}

func (l *Limiter) signalLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}
