package isbn

import "testing"

import "github.com/stretchr/testify/assert"

func TestRoundTrip(t *testing.T) {
	// S4 from the scenario catalog.
	const in10 = "0439708184"
	const want13 = "9780439708180"

	got13 := ToISBN13(in10)
	assert.Equal(t, want13, got13)

	got10 := ToISBN10(got13)
	assert.Equal(t, in10, got10)
}

func TestValidISBN10(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"0439708184", true},
		{"043970818X", false}, // Wrong check digit.
		{"0-439-70818-4", true},
		{"123", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ValidISBN10(c.in), c.in)
	}
}

func TestValidISBN13(t *testing.T) {
	assert.True(t, ValidISBN13("9780439708180"))
	assert.False(t, ValidISBN13("9780439708181"))
}

func TestLooksLikeISBN(t *testing.T) {
	assert.True(t, LooksLikeISBN("0439708184"))
	assert.True(t, LooksLikeISBN("978-0-439-70818-0"))
	assert.True(t, LooksLikeISBN("043970818X"))
	assert.False(t, LooksLikeISBN("harry potter"))
}

func TestNormalizeOnISBN13Without978(t *testing.T) {
	// 979-prefixed ISBN-13s have no ISBN-10 equivalent.
	isbn10, isbn13 := Normalize("9791234567896")
	assert.Equal(t, "", isbn10)
	assert.Equal(t, "9791234567896", isbn13)
}
