package memory

import (
	"context"

	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
)

var _ catalog.Repository = (*BookRepository)(nil)

// BookRepository implements catalog.Repository over a Store.
type BookRepository struct {
	s *Store
}

// GetByID returns a single book.
func (r *BookRepository) GetByID(_ context.Context, id string) (*catalog.Book, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	b, ok := r.s.books[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// GetByIDs returns the books matching any of ids; unknown ids are skipped.
func (r *BookRepository) GetByIDs(_ context.Context, ids []string) ([]catalog.Book, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]catalog.Book, 0, len(ids))
	for _, id := range ids {
		if b, ok := r.s.books[id]; ok {
			out = append(out, *b)
		}
	}
	return out, nil
}

// DecrementStock applies a clamped stock decrement to one book.
func (r *BookRepository) DecrementStock(_ context.Context, id string, qty int) (*catalog.Shortfall, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.decrementLocked(id, qty), nil
}

// decrementLocked must be called with s.mu held for writing. A missing book
// is reported as a full shortfall.
func (s *Store) decrementLocked(id string, qty int) *catalog.Shortfall {
	b, ok := s.books[id]
	if !ok {
		return &catalog.Shortfall{BookID: id, Requested: qty}
	}
	var sf *catalog.Shortfall
	if b.AvailableQty < qty {
		sf = &catalog.Shortfall{BookID: id, Requested: qty, Available: b.AvailableQty}
		b.AvailableQty = 0
	} else {
		b.AvailableQty -= qty
	}
	b.SoldCount += qty
	return sf
}
