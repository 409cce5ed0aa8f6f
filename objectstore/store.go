// Package objectstore defines the blob storage collaborator consumed by pack
// export. Durable transport (R2/S3) is provided outside this module; the core
// only depends on the Put/Get contract.
package objectstore

import (
	"context"
	"errors"
	"sync"

	"custodia/canonical"
)

// ErrNotFound signals that no blob exists for the locator.
var ErrNotFound = errors.New("objectstore: blob not found")

// Locator identifies a stored blob. Callers treat it as opaque.
type Locator string

// Store is the storage collaborator contract.
type Store interface {
	Put(ctx context.Context, data []byte) (Locator, error)
	Get(ctx context.Context, loc Locator) ([]byte, error)
}

// MemStore is a content-addressed in-memory Store used by tests and local
// runs. Identical content maps to the same locator, which keeps deterministic
// exports re-uploadable without duplication.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[Locator][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[Locator][]byte)}
}

// Put stores data under a digest-derived locator.
func (s *MemStore) Put(_ context.Context, data []byte) (Locator, error) {
	loc := Locator("mem://" + canonical.Digest(data))

	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.blobs[loc] = cp
	s.mu.Unlock()
	return loc, nil
}

// Get returns a copy of the blob stored under loc.
func (s *MemStore) Get(_ context.Context, loc Locator) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[loc]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
