package memory

import (
	"context"
	"sync"

	"github.com/guardpost/guardpost/internal/domain/auth"
)

// KeyStore holds API key records in memory, indexed by key hash. Reads come
// from the request path; writes come from the guard/keys/* admin tools.
type KeyStore struct {
	mu     sync.RWMutex
	byHash map[string]*auth.KeyRecord
	byID   map[string]string // identity id -> key hash
}

// NewKeyStore builds a store seeded with the configured records.
func NewKeyStore(records []*auth.KeyRecord) (*KeyStore, error) {
	s := &KeyStore{
		byHash: make(map[string]*auth.KeyRecord, len(records)),
		byID:   make(map[string]string, len(records)),
	}
	for _, record := range records {
		if err := s.Add(context.Background(), record); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns the record with the given key hash.
func (s *KeyStore) Get(_ context.Context, keyHash string) (*auth.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.byHash[keyHash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return record, nil
}

// List returns all records sorted by nothing in particular; callers sort.
func (s *KeyStore) List(_ context.Context) ([]*auth.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*auth.KeyRecord, 0, len(s.byHash))
	for _, record := range s.byHash {
		records = append(records, record)
	}
	return records, nil
}

// Add inserts a new record. Duplicate ids and duplicate hashes are
// rejected.
func (s *KeyStore) Add(_ context.Context, record *auth.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[record.KeyHash]; ok {
		return auth.ErrDuplicateKey
	}
	if _, ok := s.byID[record.ID]; ok {
		return auth.ErrDuplicateKey
	}
	s.byHash[record.KeyHash] = record
	s.byID[record.ID] = record.KeyHash
	return nil
}

// Revoke removes the record with the given identity id.
func (s *KeyStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.byID[id]
	if !ok {
		return auth.ErrKeyNotFound
	}
	delete(s.byID, id)
	delete(s.byHash, hash)
	return nil
}

// Len returns the number of records.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHash)
}

// Compile-time interface verification.
var _ auth.KeyStore = (*KeyStore)(nil)
