// Package ratelimit implements a per-source, two-window rate limiter.
// It is deliberately not built on golang.org/x/time/rate: that package
// models a single continuously-refilling token bucket, and this limiter
// needs two independent sliding windows (short: per-second, long:
// per-minute) where an acquisition blocks until the oldest recorded call in
// the saturated window ages out, then re-checks both windows. x/time/rate
// still gets used, one layer further out, for generic HTTP transport pacing
// (see internal/transport), which is a different concern than this
// component.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a single sliding-window rate limit: at most Limit calls may have
// timestamps within any span of Duration.
type Window struct {
	Limit    int
	Duration time.Duration
}

// Limiter enforces two sliding windows (short and long) concurrently for one
// source. It is safe for concurrent use; acquisition is atomic -- no lost
// updates are possible because the entire check-then-record step holds the
// limiter's mutex.
type Limiter struct {
	mu    sync.Mutex
	short Window
	long  Window

	shortCalls []time.Time
	longCalls  []time.Time

	// now is overridable for deterministic tests.
	now func() time.Time

	// OnWait, if set, is invoked with every nonzero wait Acquire computes,
	// before it sleeps. Used to feed rate-limiter-wait metrics without
	// coupling this package to a metrics backend.
	OnWait func(time.Duration)
}

// New constructs a Limiter for one source from its per-second and
// per-minute caps.
func New(perSecond, perMinute int) *Limiter {
	return &Limiter{
		short: Window{Limit: perSecond, Duration: time.Second},
		long:  Window{Limit: perMinute, Duration: time.Minute},
		now:   time.Now,
	}
}

// Acquire blocks until a call is permitted under both windows, then records
// it. It returns early with ctx.Err() if ctx is cancelled while waiting.
// Waits are capped at the longer window's duration; if that cap is exceeded
// the call fails as transient (ErrWaitTooLong) rather than blocking
// indefinitely.
func (l *Limiter) Acquire(ctx context.Context) error {
	deadline := l.now().Add(l.long.Duration)

	for {
		l.mu.Lock()
		now := l.now()
		l.shortCalls = prune(l.shortCalls, now, l.short.Duration)
		l.longCalls = prune(l.longCalls, now, l.long.Duration)

		waitShort := l.waitFor(l.shortCalls, l.short, now)
		waitLong := l.waitFor(l.longCalls, l.long, now)
		wait := maxDuration(waitShort, waitLong)

		if wait <= 0 {
			l.shortCalls = append(l.shortCalls, now)
			l.longCalls = append(l.longCalls, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if now.Add(wait).After(deadline) {
			return ErrWaitTooLong
		}

		if l.OnWait != nil {
			l.OnWait(wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// waitFor returns how long the caller must wait before window w has room,
// given calls already recorded in it. A window is saturated when len(calls)
// >= w.Limit; the wait is however long until its oldest call ages out.
func (l *Limiter) waitFor(calls []time.Time, w Window, now time.Time) time.Duration {
	if w.Limit <= 0 {
		// A non-positive limit means the window never has room; the caller
		// waits a full window duration each time, which will keep exceeding
		// the cap check in Acquire and surface as ErrWaitTooLong.
		return w.Duration
	}
	if len(calls) < w.Limit {
		return 0
	}
	oldest := calls[0]
	agesOutAt := oldest.Add(w.Duration)
	return agesOutAt.Sub(now)
}

// prune drops calls older than duration from now, keeping the slice sorted
// (callers always append newest-last).
func prune(calls []time.Time, now time.Time, duration time.Duration) []time.Time {
	cutoff := now.Add(-duration)
	i := 0
	for i < len(calls) && calls[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return calls
	}
	return append([]time.Time{}, calls[i:]...)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// ErrWaitTooLong is returned when the computed wait would exceed the long
// window's duration. Callers treat this as a transient source error rather
// than blocking indefinitely.
var ErrWaitTooLong = errWaitTooLong{}

type errWaitTooLong struct{}

func (errWaitTooLong) Error() string { return "rate limiter wait exceeds cap" }

// Registry holds one Limiter per named source, created lazily.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	factory  func(source string) *Limiter
}

// NewRegistry builds a Registry whose limiters are constructed on first use
// via factory (typically reading per_second/per_minute out of config).
func NewRegistry(factory func(source string) *Limiter) *Registry {
	return &Registry{
		limiters: map[string]*Limiter{},
		factory:  factory,
	}
}

// For returns the Limiter for source, creating it if this is the first
// request for that source.
func (r *Registry) For(source string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[source]
	if !ok {
		l = r.factory(source)
		r.limiters[source] = l
	}
	return l
}
