package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested book does not exist.
var ErrNotFound = errors.New("book not found")

// Book is the stock view of a catalog item. Only AvailableQty and SoldCount
// are ever mutated by this service, and only on confirmed payment.
type Book struct {
	ID           string
	Title        string
	Image        string
	Price        decimal.Decimal
	AvailableQty int
	SoldCount    int
}

// Shortfall describes a stock decrement that could not be fully applied
// because fewer units were available than were purchased.
type Shortfall struct {
	BookID    string
	Requested int
	Available int
}

// Repository is the narrow catalog accessor the checkout core depends on.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Book, error)
	GetByIDs(ctx context.Context, ids []string) ([]Book, error)
	// DecrementStock subtracts qty from the available quantity, clamped at
	// zero, and adds qty to the sold counter. A non-nil Shortfall reports
	// that the clamp was applied.
	DecrementStock(ctx context.Context, id string, qty int) (*Shortfall, error)
}
