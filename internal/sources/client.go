// Package sources defines the uniform Source Client contract and the
// normalization helpers every concrete client (Google Books-like,
// OpenLibrary-like, Hardcover-like) applies before handing back a
// model.CanonicalRecord.
package sources

import (
	"context"

	"github.com/booktarr/enricher/internal/model"
)

// Client is the contract every bibliographic source client implements.
type Client interface {
	// Name identifies this source for precedence, provenance, and cache
	// key scoping.
	Name() string

	FetchByISBN(ctx context.Context, isbn string) (*model.CanonicalRecord, error)
	SearchByTitle(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error)
	SearchByAuthor(ctx context.Context, query string, limit int) ([]model.CanonicalRecord, error)
	SearchSeries(ctx context.Context, name, author string, limit int) ([]model.CanonicalRecord, error)
}

// Registry holds every configured Client in precedence order (index 0 is
// highest precedence), the order the Enrichment Engine's merge and search
// ranking rules depend on.
type Registry struct {
	clients []Client
}

// NewRegistry builds a Registry in the given precedence order.
func NewRegistry(clients ...Client) *Registry {
	return &Registry{clients: clients}
}

// All returns every registered client, in precedence order.
func (r *Registry) All() []Client {
	return r.clients
}

// Precedence returns the 0-based rank of a source name, or -1 if unknown.
// Lower is higher precedence.
func (r *Registry) Precedence(source string) int {
	for i, c := range r.clients {
		if c.Name() == source {
			return i
		}
	}
	return -1
}
