package ingestion

import (
	"strconv"
	"strings"

	"github.com/booktarr/enricher/internal/isbn"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/sources"
)

// candidate is the row's extracted values before enrichment, the minimal
// record the pipeline upserts prior to calling the Enrichment Engine.
type candidate struct {
	Title          string
	Authors        []string
	ISBN           string
	SeriesName     string
	SeriesPosition *float64
	Publisher      string
	PublishedDate  string
	PageCount      int
	Description    string
}

// extractRow applies a ColumnMapping to a raw row, per §4.5's recognized
// target fields. Non-numeric series_position/page_count cells resolve to
// null rather than failing the row.
func extractRow(row rawRow, mapping ColumnMapping) candidate {
	get := func(field TargetField) string {
		col, ok := mapping[field]
		if !ok {
			return ""
		}
		return strings.TrimSpace(row[col])
	}

	c := candidate{
		Title:         get(FieldTitle),
		ISBN:          get(FieldISBN),
		SeriesName:    get(FieldSeriesName),
		Publisher:     get(FieldPublisher),
		PublishedDate: get(FieldPublishedDate),
		Description:   get(FieldDescription),
	}

	if authors := get(FieldAuthors); authors != "" {
		c.Authors = sources.SplitAuthors(authors)
	}
	if pos := get(FieldSeriesPosition); pos != "" {
		if f, err := strconv.ParseFloat(pos, 64); err == nil {
			c.SeriesPosition = &f
		}
	}
	if pages := get(FieldPageCount); pages != "" {
		if n, err := strconv.Atoi(pages); err == nil {
			c.PageCount = n
		}
	}

	return c
}

// toCanonicalRecord lifts a candidate into the minimal CanonicalRecord the
// gateway upserts before enrichment runs.
func (c candidate) toCanonicalRecord() model.CanonicalRecord {
	rec := model.CanonicalRecord{
		Title:         c.Title,
		Authors:       c.Authors,
		SeriesName:    c.SeriesName,
		SeriesPosition: c.SeriesPosition,
		Publisher:     c.Publisher,
		PublishedDate: c.PublishedDate,
		PageCount:     c.PageCount,
		Description:   c.Description,
		Source:        "ingestion",
	}
	rec.ISBN10, rec.ISBN13 = isbn.Normalize(c.ISBN)
	return rec
}
