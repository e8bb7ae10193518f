package series

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/storage/storagetest"
)

func seedSeries(t *testing.T, gw *storagetest.Gateway, name string, total *int, owned []int, missing []int) {
	t.Helper()
	ctx := context.Background()
	_, err := gw.UpsertSeries(ctx, name, total)
	require.NoError(t, err)
	s, _, err := gw.GetSeriesWithVolumes(ctx, name)
	require.NoError(t, err)

	for _, pos := range owned {
		rec := model.CanonicalRecord{Title: "Vol", Authors: []string{"A"}, ISBN13: isbnFor(pos)}
		book, _, err := gw.UpsertBookAndEdition(ctx, rec)
		require.NoError(t, err)
		_, err = gw.LinkVolume(ctx, s.ID, pos, &book.ID, model.VolumeOwned)
		require.NoError(t, err)
	}
	for _, pos := range missing {
		_, err := gw.LinkVolume(ctx, s.ID, pos, nil, model.VolumeMissing)
		require.NoError(t, err)
	}
}

// isbnFor returns a syntactically distinct (not necessarily check-digit
// valid) string per position, sufficient for the fake gateway's equality
// matching which does not validate checksums.
func isbnFor(pos int) string {
	return "978000000000" + string(rune('0'+pos%10))
}

func TestValidate_ValidSeries(t *testing.T) {
	gw := storagetest.New()
	total := 3
	seedSeries(t, gw, "Foo Trilogy", &total, []int{1, 2, 3}, nil)

	e := New(gw)
	report, err := e.Validate(context.Background(), "Foo Trilogy")
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.OwnedCount)
	assert.Empty(t, report.MissingPositions)
	assert.Empty(t, report.Duplicates)
}

func TestValidate_MissingPositions(t *testing.T) {
	gw := storagetest.New()
	total := 3
	seedSeries(t, gw, "Gap Series", &total, []int{1, 3}, nil)

	e := New(gw)
	report, err := e.Validate(context.Background(), "Gap Series")
	require.NoError(t, err)

	assert.Equal(t, []int{2}, report.MissingPositions)
}

func TestValidate_OwnedExceedsDeclaredTotal_IsInvalid(t *testing.T) {
	gw := storagetest.New()
	total := 2
	seedSeries(t, gw, "Overflow Series", &total, []int{1, 2, 3}, nil)

	e := New(gw)
	report, err := e.Validate(context.Background(), "Overflow Series")
	require.NoError(t, err)

	assert.False(t, report.Valid)
	assert.True(t, report.Correctable)
	assert.Equal(t, 3, report.ProposedTotal)
}

func TestReconcile_RaisesTotalVolumes(t *testing.T) {
	gw := storagetest.New()
	total := 2
	seedSeries(t, gw, "Growing Series", &total, []int{1, 2, 3}, nil)

	e := New(gw)
	report, err := e.Reconcile(context.Background(), "Growing Series")
	require.NoError(t, err)
	assert.Equal(t, 3, report.ProposedTotal)

	s, _, err := gw.GetSeriesWithVolumes(context.Background(), "Growing Series")
	require.NoError(t, err)
	require.NotNil(t, s.TotalVolumes)
	assert.Equal(t, 3, *s.TotalVolumes)
}

func TestCheckUpdateTotal_RejectsBelowOwnedCount(t *testing.T) {
	gw := storagetest.New()
	total := 5
	seedSeries(t, gw, "Locked Series", &total, []int{1, 2, 3}, nil)

	e := New(gw)
	result, err := e.CheckUpdateTotal(context.Background(), "Locked Series", 2)
	require.NoError(t, err)

	assert.True(t, result.Rejected)
	assert.Equal(t, 3, result.OwnedCount)
}

func TestCheckUpdateTotal_AllowsAtOrAboveOwnedCount(t *testing.T) {
	gw := storagetest.New()
	total := 5
	seedSeries(t, gw, "Flexible Series", &total, []int{1, 2}, nil)

	e := New(gw)
	result, err := e.CheckUpdateTotal(context.Background(), "Flexible Series", 2)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.False(t, result.Rejected)
}

func TestAuditAll_ClassifiesSeries(t *testing.T) {
	gw := storagetest.New()
	validTotal := 2
	seedSeries(t, gw, "Clean Duo", &validTotal, []int{1, 2}, nil)

	overTotal := 1
	seedSeries(t, gw, "Busted Trilogy", &overTotal, []int{1, 2, 3}, nil)

	e := New(gw)
	result, err := e.AuditAll(context.Background())
	require.NoError(t, err)

	assert.Contains(t, result.Valid, "Clean Duo")
	assert.Len(t, result.Invalid, 1)
	assert.Less(t, result.HealthScore(), float64(100))
	assert.NotEmpty(t, result.Recommendations())
}

func TestCheckMarkOwned_FlagsExceedingDeclaredTotal(t *testing.T) {
	gw := storagetest.New()
	total := 2
	seedSeries(t, gw, "Tight Duo", &total, []int{1, 2}, nil)

	e := New(gw)
	result, err := e.CheckMarkOwned(context.Background(), "Tight Duo")
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.True(t, result.ExceedsDeclared)
}
