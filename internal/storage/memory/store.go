// Package memory implements the catalog, order and API key stores in process
// memory.
// Books and orders share one lock, which makes MarkPaid atomic across the
// order and its stock effects. It backs tests and the "memory" storage
// driver for local runs.
package memory

import (
	"sync"
	"time"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/domain/order"
)

// Store holds books and orders.
type Store struct {
	mu     sync.RWMutex
	books  map[string]*catalog.Book
	orders map[string]*order.Order
	keys   map[string]auth.APIKeyInfo
	now    func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		books:  make(map[string]*catalog.Book),
		orders: make(map[string]*order.Order),
		keys:   make(map[string]auth.APIKeyInfo),
		now:    time.Now,
	}
}

// Books returns the catalog view of the store.
func (s *Store) Books() *BookRepository {
	return &BookRepository{s: s}
}

// Orders returns the order view of the store.
func (s *Store) Orders() *OrderRepository {
	return &OrderRepository{s: s}
}

// PutBook inserts or replaces a book.
func (s *Store) PutBook(b catalog.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.ID] = &b
}

func cloneOrder(o *order.Order) *order.Order {
	cp := *o
	cp.Lines = append([]order.Line(nil), o.Lines...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}
