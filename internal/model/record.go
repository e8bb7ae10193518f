// Package model defines the source-independent data types shared across the
// enrichment core: the canonical record produced by every source client, and
// the persisted Book/Edition/Series/SeriesVolume entities the gateway deals
// in.
package model

import "time"

// CanonicalRecord is the normalized, source-independent book payload every
// source client parses vendor responses into. Fields are optional because no
// single vendor populates all of them; downstream code (merge, persistence,
// ranking) operates only on this type and never on a vendor's raw JSON.
type CanonicalRecord struct {
	ISBN10 string
	ISBN13 string

	Title        string
	OriginalTitle string // Preserved verbatim; never collapsed into Title.
	Subtitle     string
	Authors      []string
	Categories   []string
	Description  string

	Publisher     string
	PublishedDate string // YYYY, YYYY-MM, or YYYY-MM-DD.
	PageCount     int
	Language      string // ISO-639-1 where determinable.

	SeriesName     string
	SeriesPosition *float64

	ThumbnailURL string

	Prices []PricePoint

	// Source is the name of the client that produced this record (e.g.
	// "googlebooks", "openlibrary"). Used for precedence and provenance.
	Source string
	// FetchedAt is when the source client produced this record.
	FetchedAt time.Time
}

// PricePoint is a single price observation from a single source. Price
// points are never deduplicated across sources -- each is independent
// provenance.
type PricePoint struct {
	Source    string
	Amount    float64
	Currency  string
	FetchedAt time.Time
}

// Book is the stable "work" identity: a normalized title plus its primary
// author set, or an explicit external identifier. A Book has one or more
// Editions.
type Book struct {
	ID             int64
	Title          string
	Authors        []string
	Categories     []string
	Description    string
	SeriesName     string
	SeriesPosition *float64
	MetadataSource string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Edition is one published form of a Book. Canonical identity is ISBN-13
// when available, falling back to (book, format, publisher, release date).
type Edition struct {
	ID            int64
	BookID        int64
	ISBN10        string
	ISBN13        string
	Publisher     string
	PublishedDate string
	PageCount     int
	Language      string
	Format        string
	ThumbnailURL  string
	Prices        []PricePoint
	Provenance    string // Name of the source that produced this edition.
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Series is an ordered collection of Books linked through SeriesVolume rows,
// identified by a canonicalized display name.
type Series struct {
	ID            int64
	Name          string // Canonicalized: NFKC-folded for comparison, original form preserved for display.
	DisplayName   string
	TotalVolumes  *int // Declared total; nil means unknown/undeclared.
	Ongoing       bool
	Provenance    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VolumeStatus is the ownership state of a SeriesVolume.
type VolumeStatus string

const (
	VolumeOwned   VolumeStatus = "owned"
	VolumeWanted  VolumeStatus = "wanted"
	VolumeMissing VolumeStatus = "missing"
)

// SeriesVolume links a position within a Series to at most one Book. A
// volume may exist without a Book -- a placeholder for a known-missing
// position.
type SeriesVolume struct {
	ID        int64
	SeriesID  int64
	Position  int
	BookID    *int64
	Status    VolumeStatus
	CreatedAt time.Time
}

// IngestionStatus is the lifecycle state of an IngestionJob.
type IngestionStatus string

const (
	IngestionPending   IngestionStatus = "pending"
	IngestionRunning   IngestionStatus = "running"
	IngestionCompleted IngestionStatus = "completed"
	IngestionFailed    IngestionStatus = "failed"
)

// RowOutcomeKind classifies what happened to a single ingested row.
type RowOutcomeKind string

const (
	RowSucceeded RowOutcomeKind = "succeeded"
	RowSkipped   RowOutcomeKind = "skipped"
	RowFailed    RowOutcomeKind = "failed"
)

// RowOutcome records what happened to one row of a catalog import.
type RowOutcome struct {
	RowIndex int
	Kind     RowOutcomeKind
	Reason   string
	ISBN     string
}

// IngestionJob tracks the lifecycle and counters of one bulk catalog import.
type IngestionJob struct {
	ID        string
	Status    IngestionStatus
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Errors    []string
	Outcomes  []RowOutcome
	StartedAt time.Time
	EndedAt   time.Time
}

// EstimatedCompletion projects a finish time by extrapolating the average
// per-row duration observed so far across the remaining rows.
func (j *IngestionJob) EstimatedCompletion(now time.Time) (time.Time, bool) {
	done := j.Succeeded + j.Failed + j.Skipped
	if done == 0 || j.StartedAt.IsZero() || done >= j.Total {
		return time.Time{}, false
	}
	elapsed := now.Sub(j.StartedAt)
	perRow := elapsed / time.Duration(done)
	remaining := j.Total - done
	return now.Add(perRow * time.Duration(remaining)), true
}
