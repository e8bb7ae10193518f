package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBurstRespectsShortWindow asserts that for a burst of N calls against a
// limiter configured at R/s, no R+1 calls have timestamps within any
// 1-second window.
func TestBurstRespectsShortWindow(t *testing.T) {
	l := New(3, 1000) // 3/s, effectively unlimited per-minute.

	var fakeNow time.Time = time.Unix(0, 0)
	l.now = func() time.Time { return fakeNow }

	ctx := context.Background()

	// First 3 calls succeed immediately (window has room).
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}

	// The 4th call must wait roughly 1 second before the oldest ages out.
	// We can't literally block in a unit test on a faked clock, so assert
	// the computed wait directly instead of calling Acquire.
	l.mu.Lock()
	now := fakeNow
	wait := l.waitFor(l.shortCalls, l.short, now)
	l.mu.Unlock()
	assert.True(t, wait > 0, "expected a positive wait once the short window is saturated")
	assert.LessOrEqual(t, wait, time.Second)
}

func TestAcquireUnblocksAfterWindowAges(t *testing.T) {
	l := New(1, 1000)

	var fakeNow = time.Now()
	l.now = func() time.Time { return fakeNow }

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(ctx)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should not have completed before the window aged out")
	case <-time.After(50 * time.Millisecond):
	}

	fakeNow = fakeNow.Add(2 * time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never completed")
	}
}

func TestWaitTooLongFailsTransient(t *testing.T) {
	// Build the limiter directly (rather than via New) so the windows are
	// short enough to exercise the cap deterministically and quickly: a
	// zero-capacity short window means Acquire can never succeed, and the
	// long window's short duration bounds how long the test waits before
	// observing ErrWaitTooLong.
	l := &Limiter{
		short: Window{Limit: 0, Duration: 10 * time.Millisecond},
		long:  Window{Limit: 5, Duration: 30 * time.Millisecond},
		now:   time.Now,
	}
	err := l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrWaitTooLong)
}

func TestRegistryLazyFactory(t *testing.T) {
	calls := 0
	reg := NewRegistry(func(source string) *Limiter {
		calls++
		return New(5, 60)
	})
	a := reg.For("googlebooks")
	b := reg.For("googlebooks")
	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)

	reg.For("openlibrary")
	assert.Equal(t, 2, calls)
}
