package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardGetSetDelete(t *testing.T) {
	s, err := NewShard(1000, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	_, ok := s.Get(ctx, "missing")
	assert.False(t, ok)

	s.Set(ctx, "key", []byte("value"))
	// Ristretto's admission is async; give it a moment to land.
	time.Sleep(10 * time.Millisecond)

	got, ok := s.Get(ctx, "key")
	assert.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	require.NoError(t, s.Delete(ctx, "key"))
	time.Sleep(10 * time.Millisecond)
	_, ok = s.Get(ctx, "key")
	assert.False(t, ok)
}

// TestExpiryNeverReturnsStale asserts that an entry inserted with TTL=t is
// never returned from lookup at time >= insert+t.
func TestExpiryNeverReturnsStale(t *testing.T) {
	s, err := NewShard(1000, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	s.SetTTL(ctx, "key", []byte("value"), 20*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	_, ok := s.Get(ctx, "key")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = s.Get(ctx, "key")
	assert.False(t, ok)
}

func TestStatsTrackHitsAndMisses(t *testing.T) {
	s, err := NewShard(1000, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	s.Set(ctx, "key", []byte("value"))
	time.Sleep(10 * time.Millisecond)

	s.Get(ctx, "key")     // hit
	s.Get(ctx, "missing") // miss

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate())
}
