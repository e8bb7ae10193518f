package openlibrary

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditionDocCanonical(t *testing.T) {
	raw := []byte(`{
		"title": "Kafka on the Shore",
		"translation_of": "海辺のカフカ [Umibe no Kafuka]",
		"publishers": ["Knopf"],
		"publish_date": "January 1, 2005",
		"number_of_pages": 436,
		"isbn_10": ["1400043662"],
		"covers": [12345]
	}`)
	var d editionDoc
	require.NoError(t, json.Unmarshal(raw, &d))

	rec := d.canonical()
	assert.Equal(t, "Kafka on the Shore", rec.Title)
	assert.Equal(t, "海辺のカフカ [Umibe no Kafuka]", rec.OriginalTitle)
	assert.Equal(t, "Knopf", rec.Publisher)
	assert.Equal(t, "2005-01-01", rec.PublishedDate)
	assert.Equal(t, 436, rec.PageCount)
	assert.Equal(t, "1400043662", rec.ISBN10)
	assert.Equal(t, "9781400043668", rec.ISBN13) // promoted from ISBN-10
	assert.Equal(t, "https://covers.openlibrary.org/b/id/12345-M.jpg", rec.ThumbnailURL)
}

func TestOriginalTitleFromPage(t *testing.T) {
	page := []byte(`<html><body>
		<h1 class="work-title">Kafka on the Shore</h1>
		<span itemprop="alternativeHeadline"> 海辺のカフカ [Umibe no Kafuka] </span>
	</body></html>`)
	assert.Equal(t, "海辺のカフカ [Umibe no Kafuka]", originalTitleFromPage(page))

	assert.Empty(t, originalTitleFromPage([]byte(`<html><body><h1>No original title</h1></body></html>`)))
}

func TestSearchDocCanonicalExtractsSeries(t *testing.T) {
	d := searchDoc{
		Title:            "Mistborn (Book 1)",
		AuthorName:       []string{"Brandon Sanderson"},
		FirstPublishYear: 2006,
		ISBN:             []string{"9780765311788"},
		Language:         []string{"eng"},
	}
	rec := d.canonical()
	assert.Equal(t, "Mistborn", rec.SeriesName)
	require.NotNil(t, rec.SeriesPosition)
	assert.Equal(t, 1.0, *rec.SeriesPosition)
	assert.Equal(t, "en", rec.Language)
	assert.Equal(t, "2006", rec.PublishedDate)
}
