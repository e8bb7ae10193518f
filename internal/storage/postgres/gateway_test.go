package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/storage"
)

// newTestGateway connects to a real Postgres instance named by
// BOOKTARR_TEST_DATABASE_URL, skipping the test if it isn't set. These are
// integration tests against the actual schema/SQL, not the storagetest fake,
// since the fake can't exercise the identity-resolution SQL itself.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dsn := os.Getenv("BOOKTARR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BOOKTARR_TEST_DATABASE_URL not set, skipping postgres integration test")
	}
	g, err := New(context.Background(), dsn)
	require.NoError(t, err)
	return g
}

func sampleRecord(isbn13, title string) model.CanonicalRecord {
	return model.CanonicalRecord{
		ISBN13:    isbn13,
		Title:     title,
		Authors:   []string{"Jane Author"},
		Publisher: "Acme Books",
		Source:    "test",
		FetchedAt: time.Now(),
	}
}

func TestUpsertBookAndEdition_CreatesThenUpdatesByISBN13(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	rec := sampleRecord("9780439708180", "Original Title")
	book, edition, err := g.UpsertBookAndEdition(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "Original Title", book.Title)
	assert.Equal(t, "9780439708180", edition.ISBN13)

	rec2 := sampleRecord("9780439708180", "Updated Title")
	book2, edition2, err := g.UpsertBookAndEdition(ctx, rec2)
	require.NoError(t, err)
	assert.Equal(t, book.ID, book2.ID)
	assert.Equal(t, edition.ID, edition2.ID)
	assert.Equal(t, "Updated Title", book2.Title)
}

func TestGetBookByISBN_RoundTrips(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	rec := sampleRecord("9780439136365", "Chamber of Secrets")
	_, _, err := g.UpsertBookAndEdition(ctx, rec)
	require.NoError(t, err)

	book, edition, err := g.GetBookByISBN(ctx, "9780439136365")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, "Chamber of Secrets", book.Title)
	assert.Equal(t, "9780439136365", edition.ISBN13)

	missingBook, missingEdition, err := g.GetBookByISBN(ctx, "0000000000000")
	require.NoError(t, err)
	assert.Nil(t, missingBook)
	assert.Nil(t, missingEdition)
}

func TestUpsertSeriesAndLinkVolume(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	total := 7
	s, err := g.UpsertSeries(ctx, "Test Series", &total)
	require.NoError(t, err)
	assert.Equal(t, 7, *s.TotalVolumes)

	rec := sampleRecord("9780000000016", "Volume One")
	book, _, err := g.UpsertBookAndEdition(ctx, rec)
	require.NoError(t, err)

	_, err = g.LinkVolume(ctx, s.ID, 1, &book.ID, model.VolumeOwned)
	require.NoError(t, err)

	loaded, volumes, err := g.GetSeriesWithVolumes(ctx, "Test Series")
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	require.Len(t, volumes, 1)
	assert.Equal(t, 1, volumes[0].Position)
	assert.Equal(t, model.VolumeOwned, volumes[0].Status)
}

func TestGetSeriesWithVolumes_UnknownReturnsErrNoRows(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	_, _, err := g.GetSeriesWithVolumes(ctx, "Definitely Not A Series "+time.Now().String())
	assert.ErrorIs(t, err, storage.ErrNoRows)
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	isbn13 := "9781111111112"
	wantErr := assert.AnError
	err := g.Transaction(ctx, func(ctx context.Context, tx storage.Gateway) error {
		if _, _, err := tx.UpsertBookAndEdition(ctx, sampleRecord(isbn13, "Should Roll Back")); err != nil {
			return err
		}
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	book, _, err := g.GetBookByISBN(ctx, isbn13)
	require.NoError(t, err)
	assert.Nil(t, book)
}
