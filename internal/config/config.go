// Package config holds the CLI-flag-driven configuration structs. Config is
// constructed once in main and passed down explicitly -- there is no
// package-level global.
package config

import "fmt"

// SourceConfig describes one registered bibliographic source client: its
// precedence in merge/search tie-breaks, its rate limits, and any
// credentials it needs.
type SourceConfig struct {
	Name      string `help:"Source name, used as the merge/search precedence key."`
	Precedence int   `help:"Lower is higher precedence."`
	PerSecond int    `default:"2" help:"Max requests per second to this source."`
	PerMinute int     `default:"60" help:"Max requests per minute to this source."`
	APIKey    string  `help:"API key for this source, if required."`
	TimeoutMS int     `default:"10000" help:"Per-request timeout in milliseconds."`
}

// CacheConfig sizes and TTLs the three cache shards (book, API, page).
type CacheConfig struct {
	BookTTLSeconds int `default:"1209600" help:"TTL for book/edition records (2 weeks)."`
	APITTLSeconds  int `default:"2592000" help:"TTL for raw API responses (30 days)."`
	PageTTLSeconds int `default:"604800" help:"TTL for scraped HTML pages (7 days)."`
	MaxEntries     int `default:"100000" help:"Max entries per in-memory shard."`
}

// EnrichmentConfig controls the Enrichment Engine's batch behavior.
type EnrichmentConfig struct {
	BatchSize         int `default:"5" help:"Max concurrent enrich_by_isbn calls during enrich_all."`
	InterBatchDelayMS int `default:"1000" help:"Cooperative pause between batches."`
	LongTTLSeconds    int `default:"2592000" help:"TTL for the enriched:<isbn> cache entry."`
}

// IngestionConfig controls the bulk Ingestion Pipeline.
type IngestionConfig struct {
	Concurrency         int  `default:"5" help:"Max concurrent row-processing goroutines."`
	SkipDuplicatesDefault bool `default:"true" help:"Default value of skip_duplicates when a job doesn't specify one."`
	EnrichDefault         bool `default:"true" help:"Default value of enrich_metadata when a job doesn't specify one."`
}

// PostgresConfig is the DSN builder for the persistence gateway and durable
// cache shard.
type PostgresConfig struct {
	PostgresHost     string `default:"localhost" help:"Postgres host."`
	PostgresUser     string `default:"postgres" help:"Postgres user."`
	PostgresPassword string `default:"" help:"Postgres password."`
	PostgresPort     int    `default:"5432" help:"Postgres port."`
	PostgresDatabase string `default:"booktarr" help:"Postgres database to use."`
}

// DSN returns the database's connection string based on the provided flags.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser,
		c.PostgresPassword,
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDatabase,
	)
}

// LogConfig toggles verbosity.
type LogConfig struct {
	Verbose bool `help:"Increase log verbosity."`
}

// Config is the fully assembled runtime configuration for a server process.
type Config struct {
	PostgresConfig
	LogConfig

	Port    int            `default:"8788" help:"Port to serve traffic on."`
	Sources []SourceConfig `help:"Registered bibliographic source clients, in precedence order."`

	Cache      CacheConfig
	Enrichment EnrichmentConfig
	Ingestion  IngestionConfig
}

// DefaultSources returns the three built-in source registrations (Google
// Books-like, then OpenLibrary-like, then Hardcover-like) used when the
// operator hasn't overridden the source list.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{Name: "googlebooks", Precedence: 0, PerSecond: 5, PerMinute: 100, TimeoutMS: 10000},
		{Name: "openlibrary", Precedence: 1, PerSecond: 2, PerMinute: 60, TimeoutMS: 10000},
		{Name: "hardcover", Precedence: 2, PerSecond: 2, PerMinute: 60, TimeoutMS: 10000},
	}
}
