// Package credstore persists per-identity credential material.
package credstore

import (
	"context"

	"github.com/danhigham/telefleet/internal/domain"
)

// Store loads and saves opaque credential blobs keyed by identity.
type Store interface {
	// Ensure prepares the storage location for id.
	Ensure(ctx context.Context, id domain.Identity) error
	// Load returns nil data and no error when nothing is stored yet.
	Load(ctx context.Context, id domain.Identity) ([]byte, error)
	Save(ctx context.Context, id domain.Identity, data []byte) error
	Delete(ctx context.Context, id domain.Identity) error
	// List returns every identity with stored credentials.
	List(ctx context.Context) ([]domain.Identity, error)
}
