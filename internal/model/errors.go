package model

import (
	"errors"
	"fmt"
)

// SourceErrorKind classifies a source client failure the way the merge and
// ingestion layers need to react to it.
type SourceErrorKind string

const (
	SourceTransient SourceErrorKind = "transient"
	SourcePermanent SourceErrorKind = "permanent"
	SourceNotFound  SourceErrorKind = "notfound"
)

// SourceError is returned by a Source Client when a fetch fails. NotFound is
// not treated as an error by callers further up the stack; it's a normal
// outcome.
type SourceError struct {
	Kind   SourceErrorKind
	Source string
	Detail string
	// StatusCode is the HTTP status that produced this error, 0 if none.
	StatusCode int
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Source, e.Detail, e.Kind)
}

// ErrNotFound is a sentinel usable with errors.Is for "the record does not
// exist upstream" regardless of which source produced it.
var ErrNotFound = errors.New("not found")

func (e *SourceError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == SourceNotFound
}

// ValidationError represents malformed input caught before any state was
// touched: a bad ISBN, a missing required column, an unsupported catalog
// format. Always surfaced immediately to the caller.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// ErrCancelled is returned when an ingestion job or enrichment batch is
// aborted by an external cancel signal.
var ErrCancelled = errors.New("cancelled")
