package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
)

// Status is the payment status of an order.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Storage errors shared by all Repository implementations.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrNotPending is returned by MarkPaid when the order exists but is no
	// longer pending, so the conditional transition did not apply.
	ErrNotPending = errors.New("order is not pending")
)

// Order represents one purchase attempt.
type Order struct {
	ID                     string
	BuyerID                string
	Lines                  []Line
	Total                  decimal.Decimal
	Currency               string
	Status                 Status
	SessionRef             string
	ReconciliationRequired bool
	ReconciliationNote     string
	PaidAt                 *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Line is a book, quantity and snapshotted unit price within an order.
type Line struct {
	BookID    string          `json:"book_id"`
	Title     string          `json:"title"`
	Image     string          `json:"image,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns Quantity * UnitPrice.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// PaidTransition is the result of a successful pending -> paid transition.
type PaidTransition struct {
	Order      *Order
	Shortfalls []catalog.Shortfall
}

// ReconciliationNote renders shortfalls as the note stored on an order that
// needs manual reconciliation.
func ReconciliationNote(shortfalls []catalog.Shortfall) string {
	parts := make([]string, len(shortfalls))
	for i, sf := range shortfalls {
		parts[i] = fmt.Sprintf("book %s: requested %d, available %d", sf.BookID, sf.Requested, sf.Available)
	}
	return "stock exhausted: " + strings.Join(parts, "; ")
}

// Filter narrows an order listing. Zero values mean "no constraint".
type Filter struct {
	BuyerID     string
	Status      Status
	MinTotal    *decimal.Decimal
	MaxTotal    *decimal.Decimal
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Offset      int
	Limit       int
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	AttachSession(ctx context.Context, id, sessionRef string) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// List returns one page of orders matching f, newest first, together
	// with the total number of matches.
	List(ctx context.Context, f Filter) ([]Order, int, error)
	// ListStalePending returns pending orders without a session reference
	// created before the given time, oldest first.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Order, error)
	// MarkPaid atomically transitions a pending order to paid and applies the
	// stock effect of every line. It returns ErrNotPending when the order is
	// already terminal and ErrOrderNotFound when it does not exist; in both
	// cases nothing is modified.
	MarkPaid(ctx context.Context, id, sessionRef string) (*PaidTransition, error)
}
