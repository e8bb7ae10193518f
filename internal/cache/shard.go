package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// Shard is an in-memory Cache backed by ristretto (cost-based admission +
// eviction, which approximates LRU under a bounded size) wrapped by
// eko/gocache for its typed Get/Set/Delete contract and TTL support.
type Shard struct {
	counters
	manager    *gocache.Cache[[]byte]
	rc         *ristretto.Cache
	defaultTTL time.Duration
}

// NewShard creates a bounded in-memory cache shard. maxEntries bounds the
// number of counted keys; ristretto sizes its internal structures from that
// estimate (NumCounters is set to 10x per ristretto's own sizing guidance).
func NewShard(maxEntries int64, defaultTTL time.Duration) (*Shard, error) {
	rcache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	rstore := ristretto_store.NewRistretto(rcache)
	manager := gocache.New[[]byte](rstore)

	return &Shard{
		manager:    manager,
		rc:         rcache,
		defaultTTL: defaultTTL,
	}, nil
}

// Get implements Cache. A lazily-expired entry (TTL elapsed) is treated by
// the underlying store as a miss automatically.
func (s *Shard) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.manager.Get(ctx, key)
	if err != nil || val == nil {
		s.miss()
		return nil, false
	}
	s.hit()
	return val, true
}

// Set implements Cache using the shard's default TTL.
func (s *Shard) Set(ctx context.Context, key string, val []byte) {
	s.SetTTL(ctx, key, val, s.defaultTTL)
}

// SetTTL implements Cache, overriding the default TTL for this write. Cache
// writes for the same key are serialized by the underlying store; last
// write wins, matching the concurrency model's ordering guarantee.
func (s *Shard) SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) {
	_ = s.manager.Set(ctx, key, val, store.WithExpiration(ttl))
	// Ristretto applies writes through async buffers; wait for this one so
	// a Get that follows the Set observes it.
	s.rc.Wait()
}

// Delete implements Cache.
func (s *Shard) Delete(ctx context.Context, key string) error {
	return s.manager.Delete(ctx, key)
}

// Stats implements Cache. Size is approximate: keys added minus keys
// evicted, which overcounts entries that expired without being evicted.
func (s *Shard) Stats() Stats {
	m := s.rc.Metrics
	return Stats{
		Size:          int64(m.KeysAdded()) - int64(m.KeysEvicted()),
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		ConfiguredTTL: s.defaultTTL,
	}
}
