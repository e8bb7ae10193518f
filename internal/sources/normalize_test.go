package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "A bold claim", StripHTML("<p>A <b>bold</b>   claim</p>"))
	assert.Equal(t, "Tom & Jerry", StripHTML("Tom &amp; Jerry"))
	assert.Equal(t, "", StripHTML("  <br/>  "))
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2001", "2001", true},
		{"2001-06", "2001-06", true},
		{"2001-06-26", "2001-06-26", true},
		{"June 26, 2001", "2001-06-26", true},
		{"June 2001", "2001-06", true},
		{"26 June 2001", "2001-06-26", true},
		{"sometime", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseDate(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestExtractSeries(t *testing.T) {
	tests := []struct {
		title    string
		wantName string
		wantPos  *float64
	}{
		{"Mistborn (Book 1)", "Mistborn", ptr(1.0)},
		{"Discworld (Volume 4)", "Discworld", ptr(4.0)},
		{"Foundation (#3)", "Foundation", ptr(3.0)},
		{"Dune: Messiah", "Dune", nil},
		{"Harry Potter 7", "Harry Potter", ptr(7.0)},
		{"Standalone", "", nil},
	}
	for _, tt := range tests {
		name, pos, _ := ExtractSeries(tt.title)
		assert.Equal(t, tt.wantName, name, tt.title)
		if tt.wantPos == nil {
			assert.Nil(t, pos, tt.title)
		} else {
			if assert.NotNil(t, pos, tt.title) {
				assert.Equal(t, *tt.wantPos, *pos, tt.title)
			}
		}
	}
}

func ptr(f float64) *float64 { return &f }

func TestSplitAuthors(t *testing.T) {
	assert.Equal(t, []string{"A. Writer", "B. Scribe"}, SplitAuthors("A. Writer, B. Scribe"))
	assert.Equal(t, []string{"A. Writer", "B. Scribe"}, SplitAuthors("A. Writer and B. Scribe"))
	assert.Empty(t, SplitAuthors("  "))
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "en", NormalizeLanguage("eng"))
	assert.Equal(t, "ja", NormalizeLanguage("JPN"))
	assert.Equal(t, "fr", NormalizeLanguage("fr"))
	assert.Equal(t, "tlh", NormalizeLanguage("tlh")) // unknown stays as-is
}

func TestRewriteCoverHTTPS(t *testing.T) {
	assert.Equal(t, "https://x/y.jpg", RewriteCoverHTTPS("http://x/y.jpg"))
	assert.Equal(t, "https://x/y.jpg", RewriteCoverHTTPS("//x/y.jpg"))
	assert.Equal(t, "https://x/y.jpg", RewriteCoverHTTPS("https://x/y.jpg"))
}

func TestDedupeByISBN13(t *testing.T) {
	type rec struct{ isbn string }
	in := []rec{{"111"}, {"222"}, {"111"}, {""}, {""}}
	out := DedupeByISBN13(in, func(r rec) string { return r.isbn })
	assert.Equal(t, []rec{{"111"}, {"222"}, {""}, {""}}, out)
}
