package engine

import (
	"sort"

	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/sources"
	"github.com/booktarr/enricher/internal/xset"
)

// Merge applies §4.4's deterministic merge rules to records produced by a
// fan-out, already in source-precedence order (records is built by iterating
// a sources.Registry's All(), which returns clients highest-precedence
// first). The first entry to contribute any field becomes metadata_source.
func Merge(records []model.CanonicalRecord, _ *sources.Registry) model.CanonicalRecord {
	if len(records) == 0 {
		return model.CanonicalRecord{}
	}

	var merged model.CanonicalRecord
	merged.Source = records[0].Source

	// Precedence-first scalars: first non-empty value in precedence order.
	for _, r := range records {
		if merged.ISBN10 == "" {
			merged.ISBN10 = r.ISBN10
		}
		if merged.ISBN13 == "" {
			merged.ISBN13 = r.ISBN13
		}
		if merged.Subtitle == "" {
			merged.Subtitle = r.Subtitle
		}
		if merged.OriginalTitle == "" {
			merged.OriginalTitle = r.OriginalTitle
		}
		if merged.Publisher == "" {
			merged.Publisher = r.Publisher
		}
		if merged.Language == "" {
			merged.Language = r.Language
		}
		if merged.SeriesName == "" {
			merged.SeriesName = r.SeriesName
			merged.SeriesPosition = r.SeriesPosition
		}
		if merged.Title == "" {
			merged.Title = r.Title
		}
	}

	// Freshest-wins exceptions: thumbnail_url, description, page_count,
	// published_date always take the most recently fetched non-empty value,
	// regardless of precedence.
	byFreshness := append([]model.CanonicalRecord(nil), records...)
	sort.SliceStable(byFreshness, func(i, j int) bool {
		return byFreshness[i].FetchedAt.After(byFreshness[j].FetchedAt)
	})
	for _, r := range byFreshness {
		if merged.ThumbnailURL == "" && r.ThumbnailURL != "" {
			merged.ThumbnailURL = r.ThumbnailURL
		}
		if merged.Description == "" && r.Description != "" {
			merged.Description = r.Description
		}
		if merged.PageCount == 0 && r.PageCount > 0 {
			merged.PageCount = r.PageCount
		}
		if merged.PublishedDate == "" && r.PublishedDate != "" {
			merged.PublishedDate = r.PublishedDate
		}
	}

	// Set-valued union, stable-sorted to preserve first-seen order.
	merged.Authors = unionPreserveOrder(collect(records, func(r model.CanonicalRecord) []string { return r.Authors }))
	merged.Categories = unionPreserveOrder(collect(records, func(r model.CanonicalRecord) []string { return r.Categories }))

	// Prices: append, never dedupe -- each is independent provenance.
	for _, r := range records {
		merged.Prices = append(merged.Prices, r.Prices...)
	}

	merged.FetchedAt = byFreshness[0].FetchedAt
	return merged
}

func collect(records []model.CanonicalRecord, field func(model.CanonicalRecord) []string) [][]string {
	out := make([][]string, len(records))
	for i, r := range records {
		out[i] = field(r)
	}
	return out
}

// unionPreserveOrder flattens groups in order, keeping first occurrence of
// each case-sensitive value and dropping later duplicates.
func unionPreserveOrder(groups [][]string) []string {
	seen := xset.New[string]()
	var out []string
	for _, group := range groups {
		for _, v := range group {
			if v == "" || seen.Has(v) {
				continue
			}
			seen.Add(v)
			out = append(out, v)
		}
	}
	return out
}
