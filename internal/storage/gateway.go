// Package storage defines the persistence gateway contract: the one path
// through which every other component reads or writes book, edition, and
// series state. Concrete backends live in subpackages (see
// internal/storage/postgres); callers depend only on this interface.
package storage

import (
	"context"
	"iter"

	"github.com/booktarr/enricher/internal/model"
)

// Gateway is the contract every persistence backend implements. The write
// methods are part of the interface and can be called directly; Transaction
// groups several of them into one atomic unit. The interface does not stop
// a caller from making a write outside Transaction.
type Gateway interface {
	GetBookByISBN(ctx context.Context, isbn string) (*model.Book, *model.Edition, error)
	GetAllBookISBNs(ctx context.Context) iter.Seq2[string, error]

	// UpsertBookAndEdition resolves identity by canonical ISBN-13 first,
	// falling back to (title, author-set), and never creates a duplicate
	// Book for the same identity.
	UpsertBookAndEdition(ctx context.Context, rec model.CanonicalRecord) (*model.Book, *model.Edition, error)

	UpsertSeries(ctx context.Context, name string, totalVolumes *int) (*model.Series, error)
	// ListSeriesNames returns every persisted series' display name, the
	// iteration set for audit_all.
	ListSeriesNames(ctx context.Context) ([]string, error)
	LinkVolume(ctx context.Context, seriesID int64, position int, bookID *int64, status model.VolumeStatus) (*model.SeriesVolume, error)
	GetSeriesWithVolumes(ctx context.Context, name string) (*model.Series, []model.SeriesVolume, error)

	// ResolveBook looks up a Book by its persisted ID, used by the series
	// integrity engine to detect orphaned volume links.
	ResolveBook(ctx context.Context, bookID int64) (*model.Book, error)

	// Transaction runs fn within a single atomic unit. Any error returned by
	// fn rolls back every write fn performed through tx.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Gateway) error) error
}

// ErrNoRows is returned by lookups that find nothing, distinct from a real
// backend failure.
var ErrNoRows = noRowsErr{}

type noRowsErr struct{}

func (noRowsErr) Error() string { return "no matching row" }
