package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"

	"github.com/booktarr/enricher/internal/cache"
	"github.com/booktarr/enricher/internal/config"
	"github.com/booktarr/enricher/internal/engine"
	"github.com/booktarr/enricher/internal/ingestion"
	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/logging"
	"github.com/booktarr/enricher/internal/metrics"
	"github.com/booktarr/enricher/internal/ratelimit"
	"github.com/booktarr/enricher/internal/series"
	"github.com/booktarr/enricher/internal/sources"
	"github.com/booktarr/enricher/internal/sources/googlebooks"
	"github.com/booktarr/enricher/internal/sources/hardcover"
	"github.com/booktarr/enricher/internal/sources/openlibrary"
	"github.com/booktarr/enricher/internal/storage/postgres"
)

// cli is the top-level command surface: serve runs the HTTP service, import
// runs one bulk catalog import from the local filesystem, bust-cache
// invalidates a single ISBN's cached enrichment.
type cli struct {
	Serve     serveCmd     `cmd:"" help:"Run the enrichment/ingestion HTTP service."`
	Import    importCmd    `cmd:"" help:"Run a one-off bulk catalog import."`
	BustCache bustCacheCmd `cmd:"" help:"Evict a book's cached enrichment entry."`
}

type pgFlags struct {
	PostgresHost     string `default:"localhost" help:"Postgres host."`
	PostgresUser     string `default:"postgres" help:"Postgres user."`
	PostgresPassword string `default:"" help:"Postgres password."`
	PostgresPort     int    `default:"5432" help:"Postgres port."`
	PostgresDatabase string `default:"booktarr" help:"Postgres database to use."`
}

func (f pgFlags) toConfig() config.PostgresConfig {
	return config.PostgresConfig{
		PostgresHost:     f.PostgresHost,
		PostgresUser:     f.PostgresUser,
		PostgresPassword: f.PostgresPassword,
		PostgresPort:     f.PostgresPort,
		PostgresDatabase: f.PostgresDatabase,
	}
}

type sourceFlags struct {
	GoogleBooksAPIKey string `help:"API key for the Google Books-like source (optional, lower quota if empty)."`
	HardcoverAPIKey   string `help:"API key for the Hardcover-like GraphQL source."`
}

type logFlags struct {
	Verbose bool `help:"Increase log verbosity."`
}

type serveCmd struct {
	pgFlags
	sourceFlags
	logFlags

	Port              int  `default:"8788" help:"Port to serve traffic on."`
	DurableCache      bool `default:"true" help:"Back the API cache shard with a Postgres overflow tier."`
	StatsIntervalSecs int  `default:"30" help:"How often to snapshot cache stats into metrics."`
}

type importCmd struct {
	pgFlags
	sourceFlags
	logFlags

	File           string `arg:"" help:"Path to the catalog file to import."`
	Format         string `default:"csv" enum:"csv,csv-goodreads,csv-handylib,json-hardcover" help:"Input format."`
	SkipDuplicates bool   `default:"true" help:"Skip rows whose ISBN is already cataloged."`
	Enrich         bool   `default:"true" help:"Enrich each row against the registered sources after persisting it."`
}

type bustCacheCmd struct {
	pgFlags
	logFlags

	ISBN string `arg:"" help:"ISBN (10 or 13 digit) to evict from the enrichment cache."`
}

func main() {
	var c cli
	ktx := kong.Parse(&c,
		kong.Name("booktarr-enricher"),
		kong.Description("Bibliographic enrichment and catalog ingestion service."),
	)
	if err := ktx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	// Limit our memory to 90% of what's free. This affects cache shard
	// sizes indirectly through ristretto's own memory pressure handling.
	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		panic(err)
	}
}

// buildSourceConfigs merges the static DefaultSources() precedence list with
// the API keys supplied on the command line.
func buildSourceConfigs(f sourceFlags) []config.SourceConfig {
	defaults := config.DefaultSources()
	for i := range defaults {
		switch defaults[i].Name {
		case "googlebooks":
			defaults[i].APIKey = f.GoogleBooksAPIKey
		case "hardcover":
			defaults[i].APIKey = f.HardcoverAPIKey
		}
	}
	return defaults
}

// buildRegistry constructs one concrete Client per SourceConfig, in
// precedence order. Each REST client gets its own two-window limiter built
// from the config's per-second/per-minute caps, with waits fed into the
// metrics registry; all clients share the API cache shard, and the
// OpenLibrary-like client additionally uses the page shard for its HTML
// original-title fallback. The Hardcover-like client paces itself through
// its batching layer and transport throttle instead of a two-window
// limiter.
func buildRegistry(cfgs []config.SourceConfig, shards *cache.Shards, m *metrics.Registry) (*sources.Registry, error) {
	bySource := make(map[string]config.SourceConfig, len(cfgs))
	for _, sc := range cfgs {
		bySource[sc.Name] = sc
	}
	limiters := ratelimit.NewRegistry(func(source string) *ratelimit.Limiter {
		sc := bySource[source]
		l := ratelimit.New(sc.PerSecond, sc.PerMinute)
		l.OnWait = func(d time.Duration) { m.ObserveLimiterWait(source, d) }
		return l
	})

	clients := make([]sources.Client, 0, len(cfgs))
	for _, sc := range cfgs {
		apiTTL := 30 * 24 * time.Hour
		pageTTL := 7 * 24 * time.Hour
		switch sc.Name {
		case "googlebooks":
			c, err := googlebooks.New(sc.APIKey, sc.PerSecond, limiters.For(sc.Name), shards.API, apiTTL)
			if err != nil {
				return nil, fmt.Errorf("constructing googlebooks client: %w", err)
			}
			clients = append(clients, c)
		case "openlibrary":
			c, err := openlibrary.New(sc.PerSecond, limiters.For(sc.Name), shards.API, shards.Page, apiTTL, pageTTL)
			if err != nil {
				return nil, fmt.Errorf("constructing openlibrary client: %w", err)
			}
			clients = append(clients, c)
		case "hardcover":
			c, err := hardcover.New(sc.APIKey, shards.API, apiTTL)
			if err != nil {
				return nil, fmt.Errorf("constructing hardcover client: %w", err)
			}
			clients = append(clients, c)
		default:
			return nil, fmt.Errorf("unknown source %q", sc.Name)
		}
	}
	return sources.NewRegistry(clients...), nil
}

func defaultCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		BookTTLSeconds: 1209600,
		APITTLSeconds:  2592000,
		PageTTLSeconds: 604800,
		MaxEntries:     100000,
	}
}

func (s *serveCmd) Run() error {
	logging.Configure(s.Verbose)
	ctx := context.Background()

	pgCfg := s.pgFlags.toConfig()
	gateway, err := postgres.New(ctx, pgCfg.DSN())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	var durable *cache.Durable
	if s.DurableCache {
		durable, err = cache.NewDurableFromPool(ctx, gateway.Pool())
		if err != nil {
			return fmt.Errorf("setting up durable cache: %w", err)
		}
	}

	shards, err := cache.NewShards(defaultCacheConfig(), durable)
	if err != nil {
		return fmt.Errorf("setting up cache shards: %w", err)
	}

	reg := metrics.New()
	reg.RegisterPool(gateway.Pool())

	sourceCfgs := buildSourceConfigs(s.sourceFlags)
	registry, err := buildRegistry(sourceCfgs, shards, reg)
	if err != nil {
		return err
	}

	enrichCfg := config.EnrichmentConfig{BatchSize: 5, InterBatchDelayMS: 1000, LongTTLSeconds: 2592000}
	eng := engine.New(registry, gateway, shards, enrichCfg, reg)

	jobs := ingestion.NewJobStore()
	ingestCfg := config.IngestionConfig{Concurrency: 5, SkipDuplicatesDefault: true, EnrichDefault: true}
	pipeline := ingestion.New(eng, gateway, jobs, ingestCfg, reg)

	seriesEngine := series.New(gateway)

	go reportCacheStatsLoop(ctx, reg, shards, time.Duration(s.StatsIntervalSecs)*time.Second)

	router := newRouter(eng, pipeline, seriesEngine, reg)

	addr := fmt.Sprintf(":%d", s.Port)
	logging.Log(ctx).Info("serving", "addr", addr)
	return http.ListenAndServe(addr, router)
}

// reportCacheStatsLoop periodically snapshots the cache shards' cumulative
// hit/miss counters into the metrics registry's gauges.
func reportCacheStatsLoop(ctx context.Context, reg *metrics.Registry, shards *cache.Shards, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.ReportCacheStats(shards.StatsSnapshot(ctx))
		}
	}
}

// newRouter builds the thin admin/operator HTTP surface: ingestion preview
// and import, job status, on-demand enrichment, and series audit, plus a
// Prometheus scrape endpoint. This is an internal operator surface; the
// end-user REST API is an external collaborator outside this service's
// scope.
func newRouter(eng *engine.Engine, pipeline *ingestion.Pipeline, seriesEngine *series.Engine, reg *metrics.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(10 << 20))
	r.Use(stampede.Handler(1024, 0))

	r.Get("/metrics", reg.Handler().ServeHTTP)

	r.Route("/books", func(r chi.Router) {
		r.Post("/{isbn}/enrich", enrichHandler(eng))
		r.Post("/enrich-all", enrichAllHandler(eng))
		r.Get("/search", searchHandler(eng))
	})

	r.Route("/series", func(r chi.Router) {
		r.Get("/audit", seriesAuditHandler(seriesEngine))
		r.Get("/{name}", seriesValidateHandler(seriesEngine))
		r.Post("/{name}/reconcile", seriesReconcileHandler(seriesEngine))
	})

	r.Route("/ingestion", func(r chi.Router) {
		r.Post("/preview", previewHandler(pipeline))
		r.Post("/import", importHandler(pipeline))
		r.Get("/jobs/{id}", jobStatusHandler(pipeline))
	})

	return reg.Instrument(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func enrichHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		isbnParam := chi.URLParam(r, "isbn")
		force := r.URL.Query().Get("force_refresh") == "true"
		outcome, err := eng.EnrichByISBN(r.Context(), isbnParam, force)
		if err != nil {
			writeErr(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

func enrichAllHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force_refresh") == "true"
		outcome, err := eng.EnrichAll(r.Context(), force)
		if err != nil {
			writeErr(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

func searchHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		results, err := eng.Search(r.Context(), q, 20)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func seriesValidateHandler(seriesEngine *series.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		report, err := seriesEngine.Validate(r.Context(), name)
		if err != nil {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func seriesReconcileHandler(seriesEngine *series.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		report, err := seriesEngine.Reconcile(r.Context(), name)
		if err != nil {
			writeErr(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func seriesAuditHandler(seriesEngine *series.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := seriesEngine.AuditAll(r.Context())
		if err != nil {
			writeErr(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":           result.Valid,
			"correctable":     result.Correctable,
			"invalid":         result.Invalid,
			"recommendations": result.Recommendations(),
			"health_score":    result.HealthScore(),
		})
	}
}

func previewHandler(pipeline *ingestion.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, body, err := parseFormatAndBody(r)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		result, err := pipeline.Preview(format, body, 10)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func importHandler(pipeline *ingestion.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, body, err := parseFormatAndBody(r)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		// The job outlives this request: detach its context so writing the
		// 202 doesn't cancel the in-flight rows, while keeping the
		// request's values (request ID) for logging.
		job, err := pipeline.Import(context.WithoutCancel(r.Context()), format, body, ingestion.ImportOptions{})
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func jobStatusHandler(pipeline *ingestion.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, ok := pipeline.Jobs().Get(id)
		if !ok {
			writeErr(w, http.StatusNotFound, fmt.Errorf("unknown job %q", id))
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// parseFormatAndBody reads the request body and resolves the ?format= query
// parameter into an ingestion.Format.
func parseFormatAndBody(r *http.Request) (ingestion.Format, []byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	format, err := formatFromFlag(r.URL.Query().Get("format"))
	if err != nil {
		return "", nil, err
	}
	return format, body, nil
}

func formatFromFlag(flag string) (ingestion.Format, error) {
	switch flag {
	case "", "csv":
		return ingestion.FormatCSVGeneric, nil
	case "csv-goodreads":
		return ingestion.FormatCSVGoodreads, nil
	case "csv-handylib":
		return ingestion.FormatCSVHandyLibTab, nil
	case "json-hardcover":
		return ingestion.FormatJSONHardcover, nil
	default:
		return "", fmt.Errorf("unknown format %q", flag)
	}
}

func (c *importCmd) Run() error {
	logging.Configure(c.Verbose)
	ctx := context.Background()

	pgCfg := c.pgFlags.toConfig()
	gateway, err := postgres.New(ctx, pgCfg.DSN())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	shards, err := cache.NewShards(defaultCacheConfig(), nil)
	if err != nil {
		return fmt.Errorf("setting up cache shards: %w", err)
	}

	registry, err := buildRegistry(buildSourceConfigs(c.sourceFlags), shards, nil)
	if err != nil {
		return err
	}

	enrichCfg := config.EnrichmentConfig{BatchSize: 5, InterBatchDelayMS: 1000, LongTTLSeconds: 2592000}
	eng := engine.New(registry, gateway, shards, enrichCfg, nil)

	jobs := ingestion.NewJobStore()
	pipeline := ingestion.New(eng, gateway, jobs, config.IngestionConfig{Concurrency: 5}, nil)

	format, err := formatFromFlag(c.Format)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.File, err)
	}

	skip, enrich := c.SkipDuplicates, c.Enrich
	job, err := pipeline.Import(ctx, format, data, ingestion.ImportOptions{
		SkipDuplicates: &skip,
		EnrichMetadata: &enrich,
	})
	if err != nil {
		return fmt.Errorf("starting import: %w", err)
	}

	for {
		current, ok := jobs.Get(job.ID)
		if !ok {
			return fmt.Errorf("job %s vanished", job.ID)
		}
		if current.Status == "completed" || current.Status == "failed" {
			fmt.Printf("import %s: %s (succeeded=%d skipped=%d failed=%d)\n",
				current.ID, current.Status, current.Succeeded, current.Skipped, current.Failed)
			for _, e := range current.Errors {
				fmt.Println("  -", e)
			}
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (c *bustCacheCmd) Run() error {
	logging.Configure(c.Verbose)
	ctx := context.Background()

	pgCfg := c.pgFlags.toConfig()
	gateway, err := postgres.New(ctx, pgCfg.DSN())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	durable, err := cache.NewDurableFromPool(ctx, gateway.Pool())
	if err != nil {
		return fmt.Errorf("setting up durable cache: %w", err)
	}

	shards, err := cache.NewShards(defaultCacheConfig(), durable)
	if err != nil {
		return fmt.Errorf("setting up cache shards: %w", err)
	}

	isbn10, isbn13 := isbn.Normalize(c.ISBN)
	canonical := isbn13
	if canonical == "" {
		canonical = isbn10
	}
	if canonical == "" {
		return fmt.Errorf("%q is not a recognizable ISBN", c.ISBN)
	}

	if err := shards.Book.Delete(ctx, cache.EnrichedKey(canonical)); err != nil {
		return fmt.Errorf("busting enrichment cache for %s: %w", canonical, err)
	}
	fmt.Printf("busted enrichment cache entry for %s\n", canonical)
	return nil
}
