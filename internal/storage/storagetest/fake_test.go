package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booktarr/enricher/internal/model"
)

func TestUpsertBookAndEdition_EmptyDescriptionKeepsStored(t *testing.T) {
	gw := New()
	ctx := context.Background()

	_, _, err := gw.UpsertBookAndEdition(ctx, model.CanonicalRecord{
		ISBN13: "9780439708180", Title: "T", Authors: []string{"A"},
		Description: "A description worth keeping.", Source: "seed",
	})
	require.NoError(t, err)

	book, _, err := gw.UpsertBookAndEdition(ctx, model.CanonicalRecord{
		ISBN13: "9780439708180", Title: "T", Authors: []string{"A"}, Source: "sparse",
	})
	require.NoError(t, err)

	assert.Equal(t, "A description worth keeping.", book.Description)
}
