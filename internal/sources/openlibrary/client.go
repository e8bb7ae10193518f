// Package openlibrary implements the OpenLibrary-like Source Client, the
// default second-precedence source.
package openlibrary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"

	"github.com/booktarr/enricher/internal/cache"
	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/ratelimit"
	"github.com/booktarr/enricher/internal/sources"
	"github.com/booktarr/enricher/internal/transport"
)

const (
	_host = "openlibrary.org"
	_name = "openlibrary"
)

// Client implements sources.Client against the OpenLibrary search and
// ISBN-lookup APIs, falling back to the edition's HTML page for
// original-language titles the JSON API doesn't carry.
type Client struct {
	fetcher *sources.Fetcher
	pages   *sources.Fetcher
	apiTTL  time.Duration
	pageTTL time.Duration
}

// New constructs an openlibrary Client. OpenLibrary does not require an API
// key. pageCache may be nil to disable the HTML original-title fallback.
func New(perSecond int, limiter *ratelimit.Limiter, apiCache, pageCache cache.Cache, apiTTL, pageTTL time.Duration) (*Client, error) {
	httpClient, err := transport.New(_host, "", "", perSecond, 10*time.Second, 30*time.Second)
	if err != nil {
		return nil, err
	}
	c := &Client{
		fetcher: sources.NewFetcher(_name, httpClient, limiter, apiCache),
		apiTTL:  apiTTL,
		pageTTL: pageTTL,
	}
	if pageCache != nil {
		// Page scrapes share the API path's limiter: both count against
		// the same upstream quota.
		c.pages = sources.NewFetcher(_name, httpClient, limiter, pageCache)
	}
	return c, nil
}

func (c *Client) Name() string { return _name }

func (c *Client) FetchByISBN(ctx context.Context, rawISBN string) (*model.CanonicalRecord, error) {
	if !isbn.LooksLikeISBN(rawISBN) {
		return nil, &model.ValidationError{Field: "isbn", Detail: "malformed ISBN shape"}
	}
	clean := isbn.Clean(rawISBN)
	reqURL := fmt.Sprintf("https://%s/isbn/%s.json", _host, clean)
	fingerprint := cache.Fingerprint(_name, "/isbn/"+clean, nil)

	body, err := c.fetcher.Do(ctx, fingerprint, reqURL, c.apiTTL)
	if err != nil {
		return nil, err
	}

	var payload editionDoc
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding openlibrary edition: %w", err)
	}

	rec := payload.canonical()
	if rec.OriginalTitle == "" && c.pages != nil {
		rec.OriginalTitle = c.fetchOriginalTitle(ctx, clean)
	}
	return &rec, nil
}

// fetchOriginalTitle scrapes the edition's HTML page for an
// original-language title when the JSON edition record doesn't carry one.
// Best effort: any failure just leaves the slot empty.
func (c *Client) fetchOriginalTitle(ctx context.Context, cleanISBN string) string {
	pageURL := fmt.Sprintf("https://%s/isbn/%s", _host, cleanISBN)
	fingerprint := cache.Fingerprint(_name, "/isbn/"+cleanISBN+":page", nil)

	body, err := c.pages.Do(ctx, fingerprint, pageURL, c.pageTTL)
	if err != nil {
		return ""
	}
	return originalTitleFromPage(body)
}

// originalTitleFromPage extracts the original-language work title from an
// edition page. The value is preserved verbatim, bracketed romanizations
// included.
func originalTitleFromPage(body []byte) string {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	for _, xpath := range []string{
		`//span[@itemprop='alternativeHeadline']`,
		`//h2[contains(@class,'work-title-original')]`,
	} {
		if node := htmlquery.FindOne(doc, xpath); node != nil {
			if title := strings.TrimSpace(htmlquery.InnerText(node)); title != "" {
				return title
			}
		}
	}
	return ""
}

func (c *Client) SearchByTitle(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error) {
	return c.search(ctx, map[string]string{"title": query}, limit)
}

func (c *Client) SearchByAuthor(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error) {
	return c.search(ctx, map[string]string{"author": query}, limit)
}

func (c *Client) SearchSeries(ctx context.Context, name, author string, limit int) ([]model.CanonicalRecord, error) {
	params := map[string]string{"q": name}
	if author != "" {
		params["author"] = author
	}
	return c.search(ctx, params, limit)
}

func (c *Client) search(ctx context.Context, params map[string]string, limit int) ([]model.CanonicalRecord, error) {
	if len(params) == 0 {
		return nil, &model.ValidationError{Field: "query", Detail: "empty query"}
	}
	if limit <= 0 {
		limit = 10
	}

	values := url.Values{}
	for k, v := range params {
		if strings.TrimSpace(v) == "" {
			return nil, &model.ValidationError{Field: k, Detail: "empty query"}
		}
		values.Set(k, v)
	}
	values.Set("limit", fmt.Sprint(limit))

	reqURL := "https://" + _host + "/search.json?" + values.Encode()
	fingerprint := cache.Fingerprint(_name, "/search.json", params)

	body, err := c.fetcher.Do(ctx, fingerprint, reqURL, c.apiTTL)
	if err != nil {
		return nil, err
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding openlibrary search: %w", err)
	}

	out := make([]model.CanonicalRecord, 0, len(payload.Docs))
	for _, d := range payload.Docs {
		out = append(out, d.canonical())
	}
	return out, nil
}

type searchResponse struct {
	Docs []searchDoc `json:"docs"`
}

type searchDoc struct {
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	ISBN             []string `json:"isbn"`
	Publisher        []string `json:"publisher"`
	Subject          []string `json:"subject"`
	Language         []string `json:"language"`
	CoverI           int      `json:"cover_i"`
}

func (d searchDoc) canonical() model.CanonicalRecord {
	rec := model.CanonicalRecord{
		Title:      sources.StripHTML(d.Title),
		Authors:    d.AuthorName,
		Categories: d.Subject,
		Source:     _name,
		FetchedAt:  time.Now(),
	}
	if len(d.Publisher) > 0 {
		rec.Publisher = d.Publisher[0]
	}
	if len(d.Language) > 0 {
		rec.Language = sources.NormalizeLanguage(d.Language[0])
	}
	if d.FirstPublishYear > 0 {
		rec.PublishedDate = fmt.Sprint(d.FirstPublishYear)
	}
	for _, raw := range d.ISBN {
		i10, i13 := isbn.Normalize(raw)
		if i13 != "" {
			rec.ISBN13 = i13
			rec.ISBN10 = i10
			break
		}
	}
	if d.CoverI > 0 {
		rec.ThumbnailURL = sources.RewriteCoverHTTPS(fmt.Sprintf("//covers.openlibrary.org/b/id/%d-M.jpg", d.CoverI))
	}

	seriesName, position, cleanTitle := sources.ExtractSeries(rec.Title)
	if seriesName != "" {
		rec.SeriesName = seriesName
		rec.SeriesPosition = position
		rec.Title = cleanTitle
	}
	return rec
}

// editionDoc is the subset of OpenLibrary's /isbn/{isbn}.json response this
// client parses.
type editionDoc struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	TranslationOf string   `json:"translation_of"`
	Publishers    []string `json:"publishers"`
	PublishDate   string   `json:"publish_date"`
	NumberOfPages int      `json:"number_of_pages"`
	ISBN10        []string `json:"isbn_10"`
	ISBN13        []string `json:"isbn_13"`
	Covers        []int    `json:"covers"`
}

func (d editionDoc) canonical() model.CanonicalRecord {
	rec := model.CanonicalRecord{
		Title: sources.StripHTML(d.Title),
		// The structured translation_of field wins over any page scrape;
		// kept verbatim, never folded into Title.
		OriginalTitle: strings.TrimSpace(d.TranslationOf),
		Subtitle:      sources.StripHTML(d.Subtitle),
		PageCount:     d.NumberOfPages,
		Source:        _name,
		FetchedAt:     time.Now(),
	}
	if len(d.Publishers) > 0 {
		rec.Publisher = d.Publishers[0]
	}
	if parsed, ok := sources.ParseDate(d.PublishDate); ok {
		rec.PublishedDate = parsed
	}
	if len(d.ISBN13) > 0 {
		rec.ISBN13 = d.ISBN13[0]
	}
	if len(d.ISBN10) > 0 {
		rec.ISBN10 = d.ISBN10[0]
	}
	if rec.ISBN13 == "" && rec.ISBN10 != "" {
		rec.ISBN13 = isbn.ToISBN13(rec.ISBN10)
	}
	if len(d.Covers) > 0 && d.Covers[0] > 0 {
		rec.ThumbnailURL = sources.RewriteCoverHTTPS(fmt.Sprintf("//covers.openlibrary.org/b/id/%d-M.jpg", d.Covers[0]))
	}
	return rec
}

var _ sources.Client = (*Client)(nil)
