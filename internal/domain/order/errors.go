package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for checkout and order access.
var (
	ErrEmptyCart          = errors.New("cart must contain at least one book")
	ErrMissingBuyer       = errors.New("buyer is required")
	ErrForbidden          = errors.New("not authorized to access this order")
	ErrPaymentUnavailable = errors.New("payment gateway unavailable")
)

// InvalidQuantityError indicates a cart line has a quantity below one.
type InvalidQuantityError struct {
	BookID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be at least 1 for book %s", e.BookID)
}

// BookNotFoundError indicates a requested book does not exist.
type BookNotFoundError struct {
	BookID string
}

func (e *BookNotFoundError) Error() string {
	return fmt.Sprintf("book %s not found", e.BookID)
}

// InsufficientStockError indicates a cart line asks for more units than are
// currently available.
type InsufficientStockError struct {
	BookID    string
	Title     string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("only %d left for: %s", e.Available, e.Title)
}
