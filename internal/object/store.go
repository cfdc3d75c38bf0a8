package object

import "context"

// Store is the content-addressed storage contract shared by every layer
// above it. Implementations must make Put idempotent by digest: storing the
// same bytes twice yields the same ID and a single stored copy.
type Store interface {
	// Put stores data and returns its content-derived ID.
	Put(ctx context.Context, data []byte) (ID, error)

	// Get retrieves an object and verifies it against its ID.
	// Returns ErrNotFound if absent, ErrDigestMismatch on corruption.
	Get(ctx context.Context, id ID) ([]byte, error)

	// Has checks presence without reading the content.
	Has(ctx context.Context, id ID) (bool, error)

	// Delete removes an object. Deleting an absent object is not an error.
	Delete(ctx context.Context, id ID) error

	// Walk visits every stored object ID. Used by garbage collection.
	Walk(ctx context.Context, fn func(ID) error) error
}
