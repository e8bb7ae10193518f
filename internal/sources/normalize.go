package sources

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/booktarr/enricher/internal/xset"
)

var _stripPolicy = bluemonday.StrictPolicy()

// StripHTML removes HTML tags and collapses whitespace, the first
// normalization rule every source client must apply to title and
// description. The sanitizer escapes entities in the text it keeps, so the
// result is unescaped afterwards.
func StripHTML(s string) string {
	stripped := html.UnescapeString(_stripPolicy.Sanitize(s))
	return strings.Join(strings.Fields(stripped), " ")
}

var _dateLayouts = []string{
	"2006-01-02",
	"2006-01",
	"2006",
	"January 2, 2006",
	"January 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// ParseDate accepts YYYY, YYYY-MM, YYYY-MM-DD, and common long-form English
// date variants, normalizing to whichever of those three ISO-ish shapes the
// input's precision matches. Returns ("", false) if nothing parses.
func ParseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range _dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		switch layout {
		case "2006":
			return t.Format("2006"), true
		case "2006-01", "January 2006":
			return t.Format("2006-01"), true
		default:
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// RewriteCoverHTTPS rewrites a cover/image URL to https when it's currently
// unqualified or explicitly http.
func RewriteCoverHTTPS(url string) string {
	switch {
	case strings.HasPrefix(url, "http://"):
		return "https://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "//"):
		return "https:" + url
	default:
		return url
	}
}

// languageAliases maps common 3-letter/vendor codes to ISO-639-1.
var languageAliases = map[string]string{
	"eng": "en",
	"fre": "fr", "fra": "fr",
	"ger": "de", "deu": "de",
	"spa": "es",
	"ita": "it",
	"jpn": "ja",
	"chi": "zh", "zho": "zh",
	"por": "pt",
	"rus": "ru",
}

// NormalizeLanguage maps vendor-specific language hints to ISO-639-1 where
// determinable, otherwise returns the lowercased input unchanged.
func NormalizeLanguage(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	if len(c) == 2 {
		return c
	}
	if mapped, ok := languageAliases[c]; ok {
		return mapped
	}
	return c
}

var (
	_seriesBookNum  = regexp.MustCompile(`(?i)^(.*?)\s*[\(\[]\s*(?:book|volume|vol\.?|#)\s*#?\s*(\d+(?:\.\d+)?)\s*[\)\]]\s*$`)
	_seriesSubtitle = regexp.MustCompile(`^(.*?):\s*(.+)$`)
	_seriesTrailing = regexp.MustCompile(`(?i)^(.*?)\s+#?(\d+(?:\.\d+)?)\s*$`)
)

// ExtractSeries applies a fixed heuristic extraction order when structured
// series fields are absent: "<name> (Book|Volume|#) <n>",
// then "<name>: <subtitle>", then "<name> <n>". Returns the series name,
// the matched position (nil if none matched), and the title with any
// matched series decoration stripped.
func ExtractSeries(title string) (seriesName string, position *float64, cleanTitle string) {
	if m := _seriesBookNum.FindStringSubmatch(title); m != nil {
		if pos, err := strconv.ParseFloat(m[2], 64); err == nil {
			return strings.TrimSpace(m[1]), &pos, strings.TrimSpace(m[1])
		}
	}
	if m := _seriesSubtitle.FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1]), nil, title
	}
	if m := _seriesTrailing.FindStringSubmatch(title); m != nil {
		if pos, err := strconv.ParseFloat(m[2], 64); err == nil {
			return strings.TrimSpace(m[1]), &pos, strings.TrimSpace(m[1])
		}
	}
	return "", nil, title
}

// SplitAuthors splits a delimiter-joined author field on "," or " and ",
// trimming whitespace and dropping empties. Used by both source-client
// parsing and the ingestion pipeline's column mapping.
func SplitAuthors(s string) []string {
	s = strings.ReplaceAll(s, " and ", ",")
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DedupeByISBN13 removes later duplicates of the same canonical ISBN-13,
// keeping the first occurrence -- used by search result merging (testable
// property 9). Records with an empty ISBN-13 are never deduplicated against
// each other.
func DedupeByISBN13[T any](records []T, isbn13 func(T) string) []T {
	seen := xset.New[string]()
	out := make([]T, 0, len(records))
	for _, r := range records {
		key := isbn13(r)
		if key == "" {
			out = append(out, r)
			continue
		}
		if seen.Has(key) {
			continue
		}
		seen.Add(key)
		out = append(out, r)
	}
	return out
}

// SortStable is a thin wrapper kept for call-site readability at merge/rank
// sites that need a stable sort by a precomputed less function.
func SortStable[T any](items []T, less func(a, b T) bool) {
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}
