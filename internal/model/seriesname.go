package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalizeSeriesName folds a series display name into its comparison
// key: case-insensitive Unicode NFKC normalization. Non-Latin characters and
// bracketed romanizations are preserved verbatim -- NFKC only folds
// compatibility variants (full-width forms, ligatures, etc.), it never
// transliterates or strips anything.
func CanonicalizeSeriesName(name string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(name)))
}
