package cache

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/booktarr/enricher/internal/logging"
)

// Durable is a Postgres-backed overflow tier for long-lived API responses
// (e.g. series metadata), consulted on in-memory miss before falling
// through to the network. The table holds fingerprint/payload/expiry
// triples directly.
type Durable struct {
	db *pgxpool.Pool
}

// NewDurable connects to Postgres and ensures the durable cache table
// exists. Prefer NewDurableFromPool when a pool is already open elsewhere
// in the process (the persistence gateway's, typically), so the durable
// cache shard doesn't open a second connection pool to the same database.
func NewDurable(ctx context.Context, dsn string) (*Durable, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewDurableFromPool(ctx, db)
}

// NewDurableFromPool wires the durable cache shard onto an already-open
// pool, ensuring the durable cache table exists.
func NewDurableFromPool(ctx context.Context, db *pgxpool.Pool) (*Durable, error) {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS durable_cache (
			fingerprint TEXT PRIMARY KEY,
			payload     BYTEA NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, err
	}
	return &Durable{db: db}, nil
}

// Get returns the payload for fingerprint if present and not expired. An
// expired row is lazily deleted on lookup, mirroring the in-memory shard's
// lazy-expiry rule.
func (d *Durable) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	var payload []byte
	var expiresAt time.Time
	err := d.db.QueryRow(ctx,
		`SELECT payload, expires_at FROM durable_cache WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&payload, &expiresAt)
	if err != nil {
		return nil, false
	}
	if time.Now().After(expiresAt) {
		_, _ = d.db.Exec(ctx, `DELETE FROM durable_cache WHERE fingerprint = $1`, fingerprint)
		return nil, false
	}
	return payload, true
}

// Set upserts payload under fingerprint with the given TTL.
func (d *Durable) Set(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) {
	_, err := d.db.Exec(ctx, `
		INSERT INTO durable_cache (fingerprint, payload, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET payload = $2, expires_at = $3
	`, fingerprint, payload, time.Now().Add(ttl))
	if err != nil {
		logging.Log(ctx).Warn("durable cache write failed", "err", err)
	}
}

// Delete removes fingerprint from the durable tier.
func (d *Durable) Delete(ctx context.Context, fingerprint string) error {
	_, err := d.db.Exec(ctx, `DELETE FROM durable_cache WHERE fingerprint = $1`, fingerprint)
	return err
}

// Layered composes an in-memory Shard with a Durable overflow tier: lookups
// check memory first, then durable storage, promoting durable hits back
// into memory. Writes go to both tiers.
type Layered struct {
	mem     *Shard
	durable *Durable
}

// NewLayered builds a Layered cache for shards that need durable overflow
// (e.g. long-lived series API responses).
func NewLayered(mem *Shard, durable *Durable) *Layered {
	return &Layered{mem: mem, durable: durable}
}

func (l *Layered) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := l.mem.Get(ctx, key); ok {
		return val, true
	}
	if l.durable == nil {
		return nil, false
	}
	val, ok := l.durable.Get(ctx, key)
	if ok {
		l.mem.Set(ctx, key, val)
	}
	return val, ok
}

func (l *Layered) Set(ctx context.Context, key string, val []byte) {
	l.SetTTL(ctx, key, val, l.mem.defaultTTL)
}

func (l *Layered) SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) {
	l.mem.SetTTL(ctx, key, val, ttl)
	if l.durable != nil {
		l.durable.Set(ctx, key, val, ttl)
	}
}

func (l *Layered) Delete(ctx context.Context, key string) error {
	err := l.mem.Delete(ctx, key)
	if l.durable != nil {
		if derr := l.durable.Delete(ctx, key); derr != nil {
			err = derr
		}
	}
	return err
}

func (l *Layered) Stats() Stats {
	return l.mem.Stats()
}

var _ Cache = (*Shard)(nil)
var _ Cache = (*Layered)(nil)
