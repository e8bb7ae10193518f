package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectMapping_Goodreads(t *testing.T) {
	headers := []string{"Title", "Author", "ISBN13", "Publisher", "Year Published"}
	mapping := DetectMapping(FormatCSVGoodreads, headers)

	assert.Equal(t, "Title", mapping[FieldTitle])
	assert.Equal(t, "Author", mapping[FieldAuthors])
	assert.Equal(t, "ISBN13", mapping[FieldISBN])
	assert.Equal(t, "Publisher", mapping[FieldPublisher])
	assert.Equal(t, "Year Published", mapping[FieldPublishedDate])
}

func TestDetectMapping_CSVGenericRecognizesCommonHeaders(t *testing.T) {
	headers := []string{"Title", "Authors", "ISBN", "Unmapped Column"}
	mapping := DetectMapping(FormatCSVGeneric, headers)

	assert.Equal(t, "Title", mapping[FieldTitle])
	assert.Equal(t, "Authors", mapping[FieldAuthors])
	assert.Equal(t, "ISBN", mapping[FieldISBN])
	assert.NotContains(t, mapping, FieldPublisher)
}

func TestUnwrapGoodreadsCell(t *testing.T) {
	assert.Equal(t, "9780439708180", unwrapGoodreadsCell(`="9780439708180"`))
	assert.Equal(t, "9780439708180", unwrapGoodreadsCell("9780439708180"))
}

func TestNewRowSource_CSVStreamsRows(t *testing.T) {
	data := []byte("title,isbn\nA,111\nB,222\n")
	src, err := NewRowSource(FormatCSVGeneric, data)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{"title", "isbn"}, src.Headers())

	first, err := src.Next()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "A", first["title"])

	second, err := src.Next()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "222", second["isbn"])
}
