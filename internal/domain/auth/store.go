package auth

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by KeyStore lookups that match no record.
var ErrKeyNotFound = errors.New("api key not found")

// ErrDuplicateKey is returned when adding a record whose id or hash is
// already present.
var ErrDuplicateKey = errors.New("api key already exists")

// KeyStore holds API key records. Implementations must be safe for
// concurrent use: the request path reads while admin guard tools mutate.
type KeyStore interface {
	// Get returns the record with the given key hash, or ErrKeyNotFound.
	Get(ctx context.Context, keyHash string) (*KeyRecord, error)

	// List returns all records.
	List(ctx context.Context) ([]*KeyRecord, error)

	// Add inserts a new record.
	Add(ctx context.Context, record *KeyRecord) error

	// Revoke removes the record with the given identity id. Returns
	// ErrKeyNotFound when no such record exists.
	Revoke(ctx context.Context, id string) error
}
