// Package ingestion implements the bulk Ingestion Pipeline (component C5):
// parsing catalog files in several formats, mapping columns to recognized
// fields, and driving the Enrichment Engine over each row under bounded
// concurrency while tracking job lifecycle and per-row outcomes. Grounded on
// the Enrichment Engine's own errgroup fan-out style (internal/engine) and,
// for header dictionaries and duplicate detection, on the behavior of
// original_source/backend/routes/import_route.py and its bulk_import_service
// sibling.
package ingestion

import (
	"strings"

	"github.com/booktarr/enricher/internal/model"
)

// Format is one of the catalog formats the pipeline accepts.
type Format string

const (
	FormatCSVGeneric     Format = "csv-generic"
	FormatCSVGoodreads    Format = "csv-goodreads"
	FormatCSVHandyLibTab Format = "csv-handylib-tab"
	FormatJSONHardcover  Format = "json-hardcover"
)

// TargetField is a recognized mapping destination.
type TargetField string

const (
	FieldTitle         TargetField = "title"
	FieldAuthors       TargetField = "authors"
	FieldISBN          TargetField = "isbn"
	FieldSeriesName    TargetField = "series_name"
	FieldSeriesPosition TargetField = "series_position"
	FieldPublisher     TargetField = "publisher"
	FieldPublishedDate TargetField = "published_date"
	FieldPageCount     TargetField = "page_count"
	FieldDescription   TargetField = "description"
	FieldRating        TargetField = "rating"
	FieldPagesRead     TargetField = "pages_read"
)

// RequiredFields are the target fields every row must resolve a non-empty
// value for to participate: title only. ISBN is not in this list.
var RequiredFields = []TargetField{FieldTitle}

// headerDictionaries maps each built-in format to its recognized source
// column names per target field, lower-cased for case-insensitive matching.
// csv-generic's dictionary covers common self-describing headers; a
// user-supplied mapping overrides it per field.
var headerDictionaries = map[Format]map[TargetField][]string{
	FormatCSVGeneric: {
		FieldTitle:          {"title", "book title"},
		FieldAuthors:        {"authors", "author"},
		FieldISBN:           {"isbn", "isbn13", "isbn-13", "isbn10", "isbn-10"},
		FieldSeriesName:     {"series", "series name"},
		FieldSeriesPosition: {"series position", "series number", "volume"},
		FieldPublisher:      {"publisher"},
		FieldPublishedDate:  {"published date", "publication date", "year"},
		FieldPageCount:      {"pages", "page count"},
		FieldDescription:    {"description"},
		FieldRating:         {"rating"},
		FieldPagesRead:      {"pages read"},
	},
	FormatCSVGoodreads: {
		FieldTitle:          {"title"},
		FieldAuthors:        {"author", "additional authors"},
		FieldISBN:           {"isbn13", "isbn"},
		FieldSeriesName:     {"bookshelves"},
		FieldPublisher:      {"publisher"},
		FieldPublishedDate:  {"year published", "original publication year"},
		FieldPageCount:      {"number of pages"},
		FieldRating:         {"my rating"},
		FieldPagesRead:      {"read count"},
	},
	FormatCSVHandyLibTab: {
		FieldTitle:         {"title"},
		FieldAuthors:       {"author"},
		FieldISBN:          {"isbn"},
		FieldSeriesName:    {"series"},
		FieldSeriesPosition: {"series no", "series number"},
		FieldPublisher:     {"publisher"},
		FieldPublishedDate: {"published date", "pub date"},
		FieldPageCount:     {"pages"},
		FieldDescription:   {"description", "summary"},
	},
	FormatJSONHardcover: {
		FieldTitle:          {"title"},
		FieldAuthors:        {"authors", "contributors"},
		FieldISBN:           {"isbn13", "isbn10", "isbn"},
		FieldSeriesName:     {"series", "series_name"},
		FieldSeriesPosition: {"series_position", "position"},
		FieldPublisher:      {"publisher"},
		FieldPublishedDate:  {"release_date", "published_date"},
		FieldPageCount:      {"pages", "page_count"},
		FieldDescription:    {"description"},
		FieldRating:         {"rating"},
	},
}

// DetectMapping builds a ColumnMapping from a format's built-in header
// dictionary and the catalog's actual header row.
func DetectMapping(format Format, headers []string) ColumnMapping {
	dict, ok := headerDictionaries[format]
	mapping := ColumnMapping{}
	if !ok {
		return mapping
	}

	normalized := make(map[string]string, len(headers))
	for _, h := range headers {
		normalized[strings.ToLower(strings.TrimSpace(h))] = h
	}

	for field, candidates := range dict {
		for _, candidate := range candidates {
			if original, ok := normalized[candidate]; ok {
				mapping[field] = original
				break
			}
		}
	}
	return mapping
}

// ColumnMapping maps a recognized target field to the catalog's source
// column name.
type ColumnMapping map[TargetField]string

// unwrapGoodreadsCell strips Excel-style ="..." wrappers Goodreads exports
// around ISBN-like cells, so downstream ISBN parsing sees a bare value.
func unwrapGoodreadsCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		return strings.TrimSuffix(strings.TrimPrefix(s, `="`), `"`)
	}
	return s
}

// rowOutcome is a convenience constructor mirroring model.RowOutcome.
func rowOutcome(index int, kind model.RowOutcomeKind, reason, isbn string) model.RowOutcome {
	return model.RowOutcome{RowIndex: index, Kind: kind, Reason: reason, ISBN: isbn}
}
