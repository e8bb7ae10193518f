// Package hardcover implements the Hardcover-like Source Client: a
// GraphQL-backed bibliographic source, third in the default precedence
// order. Queries are hand-written (no genqlient codegen step, since no
// .graphql query files or schema are checked in) and issued through the
// genqlient runtime client wrapped in a request-batching layer.
package hardcover

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Khan/genqlient/graphql"
	"github.com/bytedance/sonic"

	"github.com/booktarr/enricher/internal/cache"
	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/sources"
	"github.com/booktarr/enricher/internal/transport"
)

const (
	_host = "api.hardcover.app"
	_name = "hardcover"
)

// Client implements sources.Client against a Hardcover-like GraphQL API.
// ISBN lookups (the hot, highly concurrent path during enrichment) are
// coalesced through isbnBatch; title/author/series search queries, which
// don't share a natural batching key across callers, go straight through
// the plain genqlient client.
type Client struct {
	isbnBatch    *isbnBatcher
	searchClient graphql.Client
	apiCache     cache.Cache
	apiTTL       time.Duration
}

// New constructs a hardcover Client. apiKey is required -- the upstream
// GraphQL API requires bearer auth.
func New(apiKey string, apiCache cache.Cache, apiTTL time.Duration) (*Client, error) {
	httpClient, err := transport.New(_host, "Authorization", "Bearer "+apiKey, 2, 10*time.Second, 30*time.Second)
	if err != nil {
		return nil, err
	}
	// The GraphQL layer never sees the raw *http.Response, so HTTP-level
	// failures have to surface as errors here rather than in the caller.
	httpClient.Transport = transport.ErrorProxyTransport{RoundTripper: httpClient.Transport}
	url := "https://" + _host + "/v1/graphql"
	return &Client{
		isbnBatch:    newISBNBatcher(url, httpClient, 50*time.Millisecond, 20),
		searchClient: graphql.NewClient(url, httpClient),
		apiCache:     apiCache,
		apiTTL:       apiTTL,
	}, nil
}

func (c *Client) Name() string { return _name }

const _isbnQuery = `
query BookByISBN($isbn13: String, $isbn10: String) {
  books(where: {_or: [{isbn_13: {_eq: $isbn13}}, {isbn_10: {_eq: $isbn10}}]}, limit: 1) {
    id title subtitle description pages release_date
    isbn_10 isbn_13 publisher language image_url
    series_name series_position
    authors contributions
  }
}`

const _searchQuery = `
query SearchBooks($query: String!, $limit: Int!) {
  books(where: {title: {_ilike: $query}}, limit: $limit) {
    id title subtitle description pages release_date
    isbn_10 isbn_13 publisher language image_url
    series_name series_position
    authors contributions
  }
}`

type bookRow struct {
	ID             int64    `json:"id"`
	Title          string   `json:"title"`
	Subtitle       string   `json:"subtitle"`
	Description    string   `json:"description"`
	Pages          int      `json:"pages"`
	ReleaseDate    string   `json:"release_date"`
	ISBN10         string   `json:"isbn_10"`
	ISBN13         string   `json:"isbn_13"`
	Publisher      string   `json:"publisher"`
	Language       string   `json:"language"`
	ImageURL       string   `json:"image_url"`
	SeriesName     string   `json:"series_name"`
	SeriesPosition float64  `json:"series_position"`
	Authors        []string `json:"authors"`
}

type booksResponse struct {
	Books []bookRow `json:"books"`
}

func (c *Client) FetchByISBN(ctx context.Context, rawISBN string) (*model.CanonicalRecord, error) {
	if !isbn.LooksLikeISBN(rawISBN) {
		return nil, &model.ValidationError{Field: "isbn", Detail: "malformed ISBN shape"}
	}
	isbn10, isbn13 := isbn.Normalize(rawISBN)

	fingerprint := cache.Fingerprint(_name, "isbn", map[string]string{"isbn10": isbn10, "isbn13": isbn13})
	if cached, ok := c.apiCache.Get(ctx, fingerprint); ok {
		rec := decodeCachedRecord(cached)
		return &rec, nil
	}

	books, err := c.isbnBatch.fetch(ctx, isbn10, isbn13)
	if err != nil {
		var statusErr transport.StatusErr
		if errors.As(err, &statusErr) {
			switch {
			case statusErr.Code() == http.StatusNotFound:
				return nil, &model.SourceError{Kind: model.SourceNotFound, Source: _name, Detail: "not found", StatusCode: 404}
			case statusErr.Code() >= 500 || statusErr.Code() == http.StatusTooManyRequests:
				return nil, &model.SourceError{Kind: model.SourceTransient, Source: _name, Detail: err.Error()}
			default:
				return nil, &model.SourceError{Kind: model.SourcePermanent, Source: _name, Detail: err.Error(), StatusCode: statusErr.Code()}
			}
		}
		return nil, &model.SourceError{Kind: model.SourceTransient, Source: _name, Detail: err.Error()}
	}
	if len(books) == 0 {
		return nil, &model.SourceError{Kind: model.SourceNotFound, Source: _name, Detail: "no results"}
	}

	rec := books[0].canonical()
	cacheRecord(ctx, c.apiCache, fingerprint, rec, c.apiTTL)
	return &rec, nil
}

func (c *Client) SearchByTitle(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error) {
	return c.search(ctx, query, limit)
}

func (c *Client) SearchByAuthor(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error) {
	return c.search(ctx, query, limit)
}

func (c *Client) SearchSeries(ctx context.Context, name, _ string, limit int) ([]model.CanonicalRecord, error) {
	return c.search(ctx, name, limit)
}

func (c *Client) search(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error) {
	if query == "" {
		return nil, &model.ValidationError{Field: "query", Detail: "empty query"}
	}
	if limit <= 0 {
		limit = 10
	}

	resp, err := c.query(ctx, _searchQuery, map[string]any{"query": "%" + query + "%", "limit": limit})
	if err != nil {
		return nil, err
	}

	out := make([]model.CanonicalRecord, 0, len(resp.Books))
	for _, b := range resp.Books {
		out = append(out, b.canonical())
	}
	return out, nil
}

func (c *Client) query(ctx context.Context, query string, vars map[string]any) (*booksResponse, error) {
	req := &graphql.Request{Query: query, Variables: vars}
	data := &booksResponse{}
	resp := &graphql.Response{Data: data}

	if err := c.searchClient.MakeRequest(ctx, req, resp); err != nil {
		var statusErr transport.StatusErr
		if errors.As(err, &statusErr) {
			switch {
			case statusErr.Code() == http.StatusNotFound:
				return nil, &model.SourceError{Kind: model.SourceNotFound, Source: _name, Detail: "not found", StatusCode: 404}
			case statusErr.Code() >= 500 || statusErr.Code() == http.StatusTooManyRequests:
				return nil, &model.SourceError{Kind: model.SourceTransient, Source: _name, Detail: err.Error()}
			default:
				return nil, &model.SourceError{Kind: model.SourcePermanent, Source: _name, Detail: err.Error(), StatusCode: statusErr.Code()}
			}
		}
		return nil, &model.SourceError{Kind: model.SourceTransient, Source: _name, Detail: err.Error()}
	}
	return data, nil
}

func (b bookRow) canonical() model.CanonicalRecord {
	rec := model.CanonicalRecord{
		Title:        sources.StripHTML(b.Title),
		Subtitle:     sources.StripHTML(b.Subtitle),
		Description:  sources.StripHTML(b.Description),
		Authors:      b.Authors,
		PageCount:    b.Pages,
		Publisher:    b.Publisher,
		Language:     sources.NormalizeLanguage(b.Language),
		ISBN10:       b.ISBN10,
		ISBN13:       b.ISBN13,
		ThumbnailURL: sources.RewriteCoverHTTPS(b.ImageURL),
		SeriesName:   b.SeriesName,
		Source:       _name,
		FetchedAt:    time.Now(),
	}
	if parsed, ok := sources.ParseDate(b.ReleaseDate); ok {
		rec.PublishedDate = parsed
	}
	if b.SeriesPosition > 0 {
		pos := b.SeriesPosition
		rec.SeriesPosition = &pos
	}
	if rec.ISBN13 == "" && rec.ISBN10 != "" {
		rec.ISBN13 = isbn.ToISBN13(rec.ISBN10)
	}
	if rec.ISBN10 == "" && rec.ISBN13 != "" {
		rec.ISBN10 = isbn.ToISBN10(rec.ISBN13)
	}
	return rec
}

var _ sources.Client = (*Client)(nil)

// cacheRecord and decodeCachedRecord round-trip a CanonicalRecord through
// JSON for the API cache shard, which stores opaque []byte.
func cacheRecord(ctx context.Context, c cache.Cache, fingerprint string, rec model.CanonicalRecord, ttl time.Duration) {
	b, err := sonic.Marshal(rec)
	if err != nil {
		return
	}
	c.SetTTL(ctx, fingerprint, b, cache.Fuzz(ttl, 1.2))
}

func decodeCachedRecord(b []byte) model.CanonicalRecord {
	var rec model.CanonicalRecord
	_ = sonic.Unmarshal(b, &rec)
	return rec
}
