// Package googlebooks implements the Google Books-like Source Client, the
// default highest-precedence source.
package googlebooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/booktarr/enricher/internal/cache"
	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/ratelimit"
	"github.com/booktarr/enricher/internal/sources"
	"github.com/booktarr/enricher/internal/transport"
)

const (
	_host = "www.googleapis.com"
	_name = "googlebooks"
)

// Client implements sources.Client against the Google Books volumes API.
type Client struct {
	fetcher *sources.Fetcher
	apiKey  string
	apiTTL  time.Duration
}

// New constructs a googlebooks Client. apiKey may be empty (the volumes API
// allows unauthenticated requests at a lower quota). The limiter is
// injected rather than constructed here so per-source window caps stay a
// configuration concern.
func New(apiKey string, perSecond int, limiter *ratelimit.Limiter, apiCache cache.Cache, apiTTL time.Duration) (*Client, error) {
	httpClient, err := transport.New(_host, "", "", perSecond, 10*time.Second, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{
		fetcher: sources.NewFetcher(_name, httpClient, limiter, apiCache),
		apiKey:  apiKey,
		apiTTL:  apiTTL,
	}, nil
}

func (c *Client) Name() string { return _name }

func (c *Client) FetchByISBN(ctx context.Context, rawISBN string) (*model.CanonicalRecord, error) {
	if !isbn.LooksLikeISBN(rawISBN) {
		return nil, &model.ValidationError{Field: "isbn", Detail: "malformed ISBN shape"}
	}
	return c.searchOne(ctx, "isbn:"+isbn.Clean(rawISBN))
}

func (c *Client) SearchByTitle(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error) {
	return c.search(ctx, "intitle:"+query, limit)
}

func (c *Client) SearchByAuthor(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error) {
	return c.search(ctx, "inauthor:"+query, limit)
}

func (c *Client) SearchSeries(ctx context.Context, name, author string, limit int) ([]model.CanonicalRecord, error) {
	q := "intitle:" + name
	if author != "" {
		q += "+inauthor:" + author
	}
	return c.search(ctx, q, limit)
}

func (c *Client) searchOne(ctx context.Context, q string) (*model.CanonicalRecord, error) {
	records, err := c.search(ctx, q, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &model.SourceError{Kind: model.SourceNotFound, Source: _name, Detail: "no results"}
	}
	return &records[0], nil
}

func (c *Client) search(ctx context.Context, q string, limit int) ([]model.CanonicalRecord, error) {
	if strings.TrimSpace(q) == "" {
		return nil, &model.ValidationError{Field: "query", Detail: "empty query"}
	}
	if limit <= 0 {
		limit = 10
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("maxResults", fmt.Sprint(limit))
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	reqURL := "https://" + _host + "/books/v1/volumes?" + params.Encode()

	fingerprint := cache.Fingerprint(_name, "/books/v1/volumes", map[string]string{"q": q, "maxResults": fmt.Sprint(limit)})

	body, err := c.fetcher.Do(ctx, fingerprint, reqURL, c.apiTTL)
	if err != nil {
		return nil, err
	}

	var payload volumesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding google books response: %w", err)
	}

	out := make([]model.CanonicalRecord, 0, len(payload.Items))
	for _, item := range payload.Items {
		out = append(out, item.canonical())
	}
	return out, nil
}

// volumesResponse is the subset of the Google Books volumes list response
// this client parses.
type volumesResponse struct {
	Items []volumeItem `json:"items"`
}

type volumeItem struct {
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle             string   `json:"subtitle"`
		Authors              []string `json:"authors"`
		Publisher            string   `json:"publisher"`
		PublishedDate        string   `json:"publishedDate"`
		Description          string   `json:"description"`
		PageCount            int      `json:"pageCount"`
		Categories           []string `json:"categories"`
		Language             string   `json:"language"`
		IndustryIdentifiers  []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks struct {
			Thumbnail string `json:"thumbnail"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
}

func (v volumeItem) canonical() model.CanonicalRecord {
	rec := model.CanonicalRecord{
		Title:         sources.StripHTML(v.VolumeInfo.Title),
		Subtitle:      sources.StripHTML(v.VolumeInfo.Subtitle),
		Authors:       v.VolumeInfo.Authors,
		Publisher:     v.VolumeInfo.Publisher,
		Description:   sources.StripHTML(v.VolumeInfo.Description),
		PageCount:     v.VolumeInfo.PageCount,
		Categories:    v.VolumeInfo.Categories,
		Language:      sources.NormalizeLanguage(v.VolumeInfo.Language),
		ThumbnailURL:  sources.RewriteCoverHTTPS(v.VolumeInfo.ImageLinks.Thumbnail),
		Source:        _name,
		FetchedAt:     time.Now(),
	}

	if parsed, ok := sources.ParseDate(v.VolumeInfo.PublishedDate); ok {
		rec.PublishedDate = parsed
	}

	for _, id := range v.VolumeInfo.IndustryIdentifiers {
		switch id.Type {
		case "ISBN_13":
			rec.ISBN13 = id.Identifier
		case "ISBN_10":
			rec.ISBN10 = id.Identifier
		}
	}
	if rec.ISBN13 == "" && rec.ISBN10 != "" {
		rec.ISBN13 = isbn.ToISBN13(rec.ISBN10)
	}
	if rec.ISBN10 == "" && rec.ISBN13 != "" {
		rec.ISBN10 = isbn.ToISBN10(rec.ISBN13)
	}

	if rec.SeriesName == "" {
		seriesName, position, cleanTitle := sources.ExtractSeries(rec.Title)
		if seriesName != "" {
			rec.SeriesName = seriesName
			rec.SeriesPosition = position
			rec.Title = cleanTitle
		}
	}

	return rec
}

var _ sources.Client = (*Client)(nil)
