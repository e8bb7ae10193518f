// Package storagetest provides an in-memory storage.Gateway fake for tests,
// the same "fake implementation of the getter interface instead of network
// mocks" pattern the teacher uses for its own getter interface.
package storagetest

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/storage"
)

// Gateway is an in-memory storage.Gateway, safe for concurrent use.
type Gateway struct {
	mu sync.Mutex

	books     map[int64]*model.Book
	editions  map[int64]*model.Edition
	series    map[string]*model.Series // keyed by canonical name
	volumes   map[int64][]*model.SeriesVolume // keyed by series id

	nextBookID, nextEditionID, nextSeriesID, nextVolumeID int64
}

// New builds an empty fake Gateway.
func New() *Gateway {
	return &Gateway{
		books:    map[int64]*model.Book{},
		editions: map[int64]*model.Edition{},
		series:   map[string]*model.Series{},
		volumes:  map[int64][]*model.SeriesVolume{},
	}
}

func (g *Gateway) GetBookByISBN(_ context.Context, rawISBN string) (*model.Book, *model.Edition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	isbn10, isbn13 := isbn.Normalize(rawISBN)
	for _, e := range g.editions {
		if (isbn13 != "" && e.ISBN13 == isbn13) || (isbn10 != "" && e.ISBN10 == isbn10) {
			return g.books[e.BookID], e, nil
		}
	}
	return nil, nil, nil
}

func (g *Gateway) GetAllBookISBNs(_ context.Context) iter.Seq2[string, error] {
	g.mu.Lock()
	isbns := make([]string, 0, len(g.editions))
	for _, e := range g.editions {
		if e.ISBN13 != "" {
			isbns = append(isbns, e.ISBN13)
		}
	}
	g.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, i := range isbns {
			if !yield(i, nil) {
				return
			}
		}
	}
}

func (g *Gateway) UpsertBookAndEdition(_ context.Context, rec model.CanonicalRecord) (*model.Book, *model.Edition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	isbn10, isbn13 := rec.ISBN10, rec.ISBN13
	if isbn13 == "" && isbn10 != "" {
		isbn13 = isbn.ToISBN13(isbn10)
	}
	if isbn10 == "" && isbn13 != "" {
		isbn10 = isbn.ToISBN10(isbn13)
	}

	var book *model.Book
	var edition *model.Edition

	if isbn13 != "" {
		for _, e := range g.editions {
			if e.ISBN13 == isbn13 {
				edition = e
				book = g.books[e.BookID]
				break
			}
		}
	}
	if book == nil && rec.Title != "" && len(rec.Authors) > 0 {
		for _, b := range g.books {
			if strings.EqualFold(b.Title, rec.Title) && sameAuthors(b.Authors, rec.Authors) {
				book = b
				break
			}
		}
	}

	if book == nil {
		g.nextBookID++
		book = &model.Book{
			ID: g.nextBookID, Title: rec.Title, Authors: rec.Authors, Categories: rec.Categories,
			Description: rec.Description, SeriesName: rec.SeriesName, SeriesPosition: rec.SeriesPosition,
			MetadataSource: rec.Source,
		}
		g.books[book.ID] = book
	} else {
		book.Title = rec.Title
		book.Authors = rec.Authors
		book.Categories = rec.Categories
		// description takes the freshest non-empty value; a source that
		// omits it must not blank a stored one.
		if rec.Description != "" {
			book.Description = rec.Description
		}
		book.SeriesName = rec.SeriesName
		book.SeriesPosition = rec.SeriesPosition
		book.MetadataSource = rec.Source
	}

	if edition == nil {
		g.nextEditionID++
		edition = &model.Edition{
			ID: g.nextEditionID, BookID: book.ID, ISBN10: isbn10, ISBN13: isbn13,
			Publisher: rec.Publisher, PublishedDate: rec.PublishedDate, PageCount: rec.PageCount,
			Language: rec.Language, ThumbnailURL: rec.ThumbnailURL, Prices: rec.Prices, Provenance: rec.Source,
		}
		g.editions[edition.ID] = edition
	} else {
		if edition.ISBN10 == "" {
			edition.ISBN10 = isbn10
		}
		if edition.ISBN13 == "" {
			edition.ISBN13 = isbn13
		}
		// published_date/page_count/thumbnail_url always prefer the
		// freshest non-empty value (§4.4 exceptions); publisher and
		// language are ordinary scalars and only fill when empty.
		if edition.Publisher == "" && rec.Publisher != "" {
			edition.Publisher = rec.Publisher
		}
		if rec.PublishedDate != "" {
			edition.PublishedDate = rec.PublishedDate
		}
		if rec.PageCount > 0 {
			edition.PageCount = rec.PageCount
		}
		if edition.Language == "" && rec.Language != "" {
			edition.Language = rec.Language
		}
		if rec.ThumbnailURL != "" {
			edition.ThumbnailURL = rec.ThumbnailURL
		}
		edition.Prices = append(edition.Prices, rec.Prices...)
	}

	bCopy, eCopy := *book, *edition
	return &bCopy, &eCopy, nil
}

func sameAuthors(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (g *Gateway) UpsertSeries(_ context.Context, name string, totalVolumes *int) (*model.Series, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := model.CanonicalizeSeriesName(name)
	s, ok := g.series[key]
	if !ok {
		g.nextSeriesID++
		s = &model.Series{ID: g.nextSeriesID, Name: key, DisplayName: name, Ongoing: true}
		g.series[key] = s
	}
	if totalVolumes != nil {
		s.TotalVolumes = totalVolumes
	}
	sCopy := *s
	return &sCopy, nil
}

func (g *Gateway) ListSeriesNames(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.series))
	for _, s := range g.series {
		names = append(names, s.DisplayName)
	}
	sort.Strings(names)
	return names, nil
}

func (g *Gateway) LinkVolume(_ context.Context, seriesID int64, position int, bookID *int64, status model.VolumeStatus) (*model.SeriesVolume, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, v := range g.volumes[seriesID] {
		if v.Position == position {
			v.BookID = bookID
			v.Status = status
			vCopy := *v
			return &vCopy, nil
		}
	}
	g.nextVolumeID++
	v := &model.SeriesVolume{ID: g.nextVolumeID, SeriesID: seriesID, Position: position, BookID: bookID, Status: status}
	g.volumes[seriesID] = append(g.volumes[seriesID], v)
	vCopy := *v
	return &vCopy, nil
}

func (g *Gateway) GetSeriesWithVolumes(_ context.Context, name string) (*model.Series, []model.SeriesVolume, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := model.CanonicalizeSeriesName(name)
	s, ok := g.series[key]
	if !ok {
		return nil, nil, storage.ErrNoRows
	}
	var out []model.SeriesVolume
	for _, v := range g.volumes[s.ID] {
		out = append(out, *v)
	}
	sCopy := *s
	return &sCopy, out, nil
}

func (g *Gateway) ResolveBook(_ context.Context, bookID int64) (*model.Book, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.books[bookID]
	if !ok {
		return nil, storage.ErrNoRows
	}
	bCopy := *b
	return &bCopy, nil
}

// Transaction runs fn directly against g: the fake has no real rollback, so
// tests that need abort semantics should assert on the error return instead.
func (g *Gateway) Transaction(ctx context.Context, fn func(ctx context.Context, tx storage.Gateway) error) error {
	return fn(ctx, g)
}

var _ storage.Gateway = (*Gateway)(nil)
