package cache

import (
	"context"
	"time"

	"github.com/booktarr/enricher/internal/config"
)

// Shards groups the three purpose-specific caches the service needs: book
// records, raw API responses, and fetched HTML pages. Each has independent
// sizes/TTLs but an identical Cache contract.
type Shards struct {
	Book Cache
	API  Cache
	Page Cache
}

// NewShards builds the three shards from CacheConfig. durable, if non-nil,
// backs the API shard only; the book and page shards are in-memory only.
// Each shard's configured TTL is its default, and callers may set a
// per-entry TTL with SetTTL (the engine stores enriched book records that
// way, under the long TTL).
func NewShards(cfg config.CacheConfig, durable *Durable) (*Shards, error) {
	book, err := NewShard(int64(cfg.MaxEntries), time.Duration(cfg.BookTTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	api, err := NewShard(int64(cfg.MaxEntries), time.Duration(cfg.APITTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	page, err := NewShard(int64(cfg.MaxEntries), time.Duration(cfg.PageTTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}

	var apiCache Cache = api
	if durable != nil {
		apiCache = NewLayered(api, durable)
	}

	return &Shards{Book: book, API: apiCache, Page: page}, nil
}

// EnrichedKey builds the cache key for a fully-enriched record, used by the
// Enrichment Engine under the long TTL.
func EnrichedKey(isbn string) string {
	return "enriched:" + isbn
}

// StatsSnapshot captures all three shards' Stats at once for reporting.
type StatsSnapshot struct {
	Book Stats
	API  Stats
	Page Stats
}

func (s *Shards) StatsSnapshot(_ context.Context) StatsSnapshot {
	return StatsSnapshot{
		Book: s.Book.Stats(),
		API:  s.API.Stats(),
		Page: s.Page.Stats(),
	}
}
