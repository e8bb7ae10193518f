// Package engine implements the Enrichment Engine (component C4): it
// coordinates the Source Client registry, merges their records under a
// precedence order, scores/ranks search results, and drives persistence
// through the storage.Gateway contract. Grounded on the teacher's former
// controller.go, which fanned out to source clients with an errgroup and
// coalesced concurrent callers for the same key with singleflight -- the
// same two primitives this engine uses, generalized from "one work" to "one
// ISBN".
package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/booktarr/enricher/internal/cache"
	"github.com/booktarr/enricher/internal/config"
	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/logging"
	"github.com/booktarr/enricher/internal/metrics"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/sources"
	"github.com/booktarr/enricher/internal/storage"
)

// OutcomeKind classifies what enrich_by_isbn produced.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeCachedHit OutcomeKind = "cached_hit"
	OutcomeNotFound  OutcomeKind = "not_found"
	OutcomeFailed    OutcomeKind = "failed"
)

// EnrichmentOutcome is the result of one enrich_by_isbn call.
type EnrichmentOutcome struct {
	Kind OutcomeKind

	Original *model.Book
	Book     *model.Book
	Edition  *model.Edition

	SourcesUsed  []string
	SourcesTried []string
	Reason       string
}

// BatchOutcome summarizes an enrich_all run.
type BatchOutcome struct {
	Total     int
	Completed int
	CachedHit int
	NotFound  int
	Failed    int
	Errors    []string
}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	Record model.CanonicalRecord
	Score  float64
	Source string
}

// Engine coordinates sources, cache, and the persistence gateway.
type Engine struct {
	sources *sources.Registry
	gateway storage.Gateway
	cache   *cache.Shards
	cfg     config.EnrichmentConfig
	metrics *metrics.Registry // may be nil

	sf singleflight.Group
}

// New constructs an Engine. m may be nil when no metrics are collected
// (tests, one-off CLI runs).
func New(registry *sources.Registry, gateway storage.Gateway, shards *cache.Shards, cfg config.EnrichmentConfig, m *metrics.Registry) *Engine {
	return &Engine{sources: registry, gateway: gateway, cache: shards, cfg: cfg, metrics: m}
}

// EnrichByISBN implements C4's enrich_by_isbn, coalescing concurrent callers
// for the same ISBN onto a single in-flight attempt (§5 "at most one
// concurrent enrichment in flight").
func (e *Engine) EnrichByISBN(ctx context.Context, rawISBN string, forceRefresh bool) (EnrichmentOutcome, error) {
	isbn10, isbn13 := isbn.Normalize(rawISBN)
	if isbn10 == "" && isbn13 == "" {
		return EnrichmentOutcome{}, &model.ValidationError{Field: "isbn", Detail: "not a valid ISBN-10 or ISBN-13"}
	}
	key := isbn13
	if key == "" {
		key = isbn10
	}

	v, err, _ := e.sf.Do(key, func() (any, error) {
		return e.enrichByISBN(ctx, key, forceRefresh)
	})
	if err != nil {
		return EnrichmentOutcome{}, err
	}
	return v.(EnrichmentOutcome), nil
}

func (e *Engine) enrichByISBN(ctx context.Context, canonicalISBN string, forceRefresh bool) (outcome EnrichmentOutcome, err error) {
	start := time.Now()
	defer func() {
		if err == nil {
			e.metrics.ObserveEnrichment(string(outcome.Kind), time.Since(start))
		}
	}()

	book, edition, err := e.gateway.GetBookByISBN(ctx, canonicalISBN)
	if err != nil {
		return EnrichmentOutcome{}, err
	}

	cacheKey := cache.EnrichedKey(canonicalISBN)
	if !forceRefresh {
		if cached, ok := e.cache.Book.Get(ctx, cacheKey); ok {
			var rec model.CanonicalRecord
			if jsonErr := sonic.Unmarshal(cached, &rec); jsonErr == nil {
				mergedBook, mergedEdition, upsertErr := e.gateway.UpsertBookAndEdition(ctx, rec)
				if upsertErr == nil {
					return EnrichmentOutcome{Kind: OutcomeCachedHit, Original: book, Book: mergedBook, Edition: mergedEdition}, nil
				}
			}
		}
	}

	clients := e.sources.All()
	records := make([]*model.CanonicalRecord, len(clients))
	errs := make([]error, len(clients))

	g, gctx := errgroup.WithContext(ctx)
	for i, client := range clients {
		i, client := i, client
		g.Go(func() error {
			rec, err := client.FetchByISBN(gctx, canonicalISBN)
			records[i] = rec
			errs[i] = err
			return nil // Capture, never propagate -- only a total failure aborts.
		})
	}
	_ = g.Wait() // Error is always nil; per-source errors are captured above.

	var tried, used []string
	var present []model.CanonicalRecord
	failures := 0
	for i, client := range clients {
		tried = append(tried, client.Name())
		switch {
		case errs[i] != nil:
			if !isNotFound(errs[i]) {
				failures++
			}
			e.metrics.ObserveSourceFetch(client.Name(), fetchOutcome(errs[i]))
			logging.Log(ctx).Debug("source fetch failed", "source", client.Name(), "isbn", canonicalISBN, "err", errs[i])
		case records[i] != nil:
			e.metrics.ObserveSourceFetch(client.Name(), "ok")
			present = append(present, *records[i])
			used = append(used, client.Name())
		default:
			e.metrics.ObserveSourceFetch(client.Name(), "notfound")
		}
	}

	if failures == len(clients) && len(clients) > 0 {
		return EnrichmentOutcome{Kind: OutcomeFailed, Original: book, SourcesTried: tried, Reason: "all sources failed"}, nil
	}
	if len(present) == 0 {
		return EnrichmentOutcome{Kind: OutcomeNotFound, Original: book, SourcesTried: tried}, nil
	}

	merged := Merge(present, e.sources)
	if book != nil {
		fillFromExisting(&merged, book, edition)
	}

	var mergedBook *model.Book
	var mergedEdition *model.Edition
	err = e.gateway.Transaction(ctx, func(ctx context.Context, tx storage.Gateway) error {
		var txErr error
		mergedBook, mergedEdition, txErr = tx.UpsertBookAndEdition(ctx, merged)
		return txErr
	})
	if err != nil {
		return EnrichmentOutcome{}, err
	}

	if payload, jsonErr := sonic.Marshal(merged); jsonErr == nil {
		e.cache.Book.SetTTL(ctx, cacheKey, payload, cache.Fuzz(time.Duration(e.cfg.LongTTLSeconds)*time.Second, 1.1))
	}

	return EnrichmentOutcome{
		Kind: OutcomeCompleted, Original: book, Book: mergedBook, Edition: mergedEdition,
		SourcesUsed: used, SourcesTried: tried,
	}, nil
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, model.ErrNotFound)
}

// fetchOutcome maps a source client error to its metrics label.
func fetchOutcome(err error) string {
	var srcErr *model.SourceError
	if errors.As(err, &srcErr) {
		return string(srcErr.Kind)
	}
	if errors.Is(err, model.ErrNotFound) {
		return string(model.SourceNotFound)
	}
	return string(model.SourceTransient)
}

// fillFromExisting applies the "scalars only fill if empty" half of the
// merge rule against the already-persisted record, for the four fields the
// source-precedence merge does not already special-case against storage.
func fillFromExisting(merged *model.CanonicalRecord, book *model.Book, edition *model.Edition) {
	if merged.Title == "" && book != nil {
		merged.Title = book.Title
	}
	if len(merged.Authors) == 0 && book != nil {
		merged.Authors = book.Authors
	}
	if merged.SeriesName == "" && book != nil {
		merged.SeriesName = book.SeriesName
		merged.SeriesPosition = book.SeriesPosition
	}
	if edition == nil {
		return
	}
	if merged.ISBN10 == "" {
		merged.ISBN10 = edition.ISBN10
	}
	if merged.ISBN13 == "" {
		merged.ISBN13 = edition.ISBN13
	}
}

// EnrichAll implements C4's enrich_all: drives enrich_by_isbn over every
// persisted ISBN in bounded-concurrency batches, with a cooperative pause
// between batches (§4.4 "considerate to the slowest source's rate limit").
func (e *Engine) EnrichAll(ctx context.Context, forceRefresh bool) (BatchOutcome, error) {
	var isbns []string
	for i, err := range e.gateway.GetAllBookISBNs(ctx) {
		if err != nil {
			return BatchOutcome{}, err
		}
		isbns = append(isbns, i)
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	delay := time.Duration(e.cfg.InterBatchDelayMS) * time.Millisecond

	var out BatchOutcome
	out.Total = len(isbns)

	for start := 0; start < len(isbns); start += batchSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		end := start + batchSize
		if end > len(isbns) {
			end = len(isbns)
		}
		batch := isbns[start:end]

		g, gctx := errgroup.WithContext(ctx)
		results := make([]EnrichmentOutcome, len(batch))
		for i, one := range batch {
			i, one := i, one
			g.Go(func() error {
				outcome, err := e.EnrichByISBN(gctx, one, forceRefresh)
				if err != nil {
					outcome = EnrichmentOutcome{Kind: OutcomeFailed, Reason: err.Error()}
				}
				results[i] = outcome
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			switch r.Kind {
			case OutcomeCompleted:
				out.Completed++
			case OutcomeCachedHit:
				out.CachedHit++
			case OutcomeNotFound:
				out.NotFound++
			case OutcomeFailed:
				out.Failed++
				if r.Reason != "" {
					out.Errors = append(out.Errors, r.Reason)
				}
			}
		}

		if end < len(isbns) && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return out, ctx.Err()
			}
		}
	}

	return out, nil
}

// Search implements C4's search operation: classifies the query as an ISBN
// lookup or a text search and ranks results accordingly.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if isbn.LooksLikeISBN(query) {
		return e.searchByISBN(ctx, query)
	}
	return e.searchByText(ctx, query, limit)
}

func (e *Engine) searchByISBN(ctx context.Context, query string) ([]SearchResult, error) {
	isbn10, isbn13 := isbn.Normalize(query)
	lookup := isbn13
	if lookup == "" {
		lookup = isbn10
	}
	if lookup == "" {
		lookup = isbn.Clean(query)
	}

	clients := e.sources.All()
	recs := make([]*model.CanonicalRecord, len(clients))

	g, gctx := errgroup.WithContext(ctx)
	for i, client := range clients {
		i, client := i, client
		g.Go(func() error {
			rec, err := client.FetchByISBN(gctx, lookup)
			if err == nil {
				recs[i] = rec
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []SearchResult
	for i, client := range clients {
		if recs[i] == nil {
			continue
		}
		out = append(out, SearchResult{Record: *recs[i], Source: client.Name(), Score: precedenceBase(e.sources.Precedence(client.Name()))})
	}
	return out, nil
}

func (e *Engine) searchByText(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	clients := e.sources.All()
	perSource := limit / 2
	if perSource < 1 {
		perSource = 1
	}

	resultSets := make([][]model.CanonicalRecord, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, client := range clients {
		i, client := i, client
		g.Go(func() error {
			recs, err := client.SearchByTitle(gctx, query, perSource)
			if err == nil {
				resultSets[i] = recs
			}
			return nil
		})
	}
	_ = g.Wait()

	type scored struct {
		rec    model.CanonicalRecord
		source string
		score  float64
	}
	var all []scored
	for i, client := range clients {
		base := precedenceBase(e.sources.Precedence(client.Name()))
		for pos, rec := range resultSets[i] {
			all = append(all, scored{rec: rec, source: client.Name(), score: score(rec, query, base, pos)})
		}
	}

	deduped := sources.DedupeByISBN13(all, func(s scored) string { return s.rec.ISBN13 })

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].score != deduped[j].score {
			return deduped[i].score > deduped[j].score
		}
		pi, pj := e.sources.Precedence(deduped[i].source), e.sources.Precedence(deduped[j].source)
		if pi != pj {
			return pi < pj
		}
		return deduped[i].rec.Title < deduped[j].rec.Title
	})

	if limit > 0 && len(deduped) > limit {
		deduped = deduped[:limit]
	}

	out := make([]SearchResult, len(deduped))
	for i, d := range deduped {
		out[i] = SearchResult{Record: d.rec, Score: d.score, Source: d.source}
	}
	return out, nil
}

// precedenceBase returns the relevance-score prior for a source's
// precedence rank: 1.0 for rank 0, 0.9 for rank 1, decreasing by 0.1 per
// rank thereafter, floored at 0.1.
func precedenceBase(rank int) float64 {
	if rank < 0 {
		return 0.5
	}
	base := 1.0 - float64(rank)*0.1
	if base < 0.1 {
		base = 0.1
	}
	return base
}

// score computes §4.4's relevance score for one search hit.
func score(rec model.CanonicalRecord, query string, base float64, position int) float64 {
	s := base - float64(position)*0.1
	q := strings.ToLower(strings.TrimSpace(query))
	title := strings.ToLower(rec.Title)

	switch {
	case strings.HasPrefix(title, q):
		s += 0.5
	case strings.Contains(title, q):
		s += 0.3
	}

	var authorBonus float64
	for _, author := range rec.Authors {
		a := strings.ToLower(author)
		var bonus float64
		switch {
		case strings.HasPrefix(a, q):
			bonus = 0.3
		case strings.Contains(a, q):
			bonus = 0.2
		}
		if bonus > authorBonus {
			authorBonus = bonus
		}
	}
	s += authorBonus

	if strings.Contains(strings.ToLower(rec.SeriesName), q) {
		s += 0.1
	}
	if strings.Contains(strings.ToLower(rec.Publisher), q) {
		s += 0.05
	}

	if s > 1.0 {
		s = 1.0
	}
	return s
}
