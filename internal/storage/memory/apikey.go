package memory

import (
	"context"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository implements auth.Repository over a Store.
type APIKeyRepository struct {
	s *Store
}

// APIKeys returns the API key view of the store.
func (s *Store) APIKeys() *APIKeyRepository {
	return &APIKeyRepository{s: s}
}

// PutAPIKey registers a key under its hash.
func (s *Store) PutAPIKey(info auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[info.KeyHash] = info
}

// FindByHash returns the key stored under hash.
func (r *APIKeyRepository) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	info, ok := r.s.keys[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return &info, nil
}
