package order

import (
	"context"
	"math"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
)

// Paging limits for order listings.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// ListRequest holds the caller-supplied listing parameters.
type ListRequest struct {
	// Admin requests the admin view. It is ignored for non-admin principals.
	Admin       bool
	BuyerID     string
	Status      Status
	MinTotal    *decimal.Decimal
	MaxTotal    *decimal.Decimal
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Page        int
	Limit       int
}

// ListResult is one page of orders.
type ListResult struct {
	Orders     []Order
	Page       int
	TotalPages int
	Total      int
}

// InvalidFilterError indicates a listing parameter is out of range.
type InvalidFilterError struct {
	Field  string
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return e.Field + ": " + e.Reason
}

// ListOrders returns a page of orders visible to p. Buyers, and admins not
// asking for the admin view, only see their own orders.
func (s *Service) ListOrders(ctx context.Context, p auth.Principal, req ListRequest) (*ListResult, error) {
	if req.Status != "" && !req.Status.Valid() {
		return nil, &InvalidFilterError{Field: "status", Reason: "unknown status " + string(req.Status)}
	}
	if req.MinTotal != nil && req.MaxTotal != nil && req.MinTotal.GreaterThan(*req.MaxTotal) {
		return nil, &InvalidFilterError{Field: "minTotal", Reason: "greater than maxTotal"}
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	if page > math.MaxInt/limit {
		return nil, &InvalidFilterError{Field: "page", Reason: "out of range"}
	}

	f := Filter{
		BuyerID:     p.UserID,
		Status:      req.Status,
		MinTotal:    req.MinTotal,
		MaxTotal:    req.MaxTotal,
		CreatedFrom: req.CreatedFrom,
		CreatedTo:   req.CreatedTo,
		Offset:      (page - 1) * limit,
		Limit:       limit,
	}
	if p.IsAdmin() && req.Admin {
		f.BuyerID = req.BuyerID
	}

	orders, total, err := s.orders.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}

	return &ListResult{
		Orders:     orders,
		Page:       page,
		TotalPages: (total + limit - 1) / limit,
		Total:      total,
	}, nil
}

// GetOrder returns the order with the given id if p owns it or is an admin.
func (s *Service) GetOrder(ctx context.Context, p auth.Principal, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "get order %s", id)
	}
	if !p.IsAdmin() && o.BuyerID != p.UserID {
		return nil, ErrForbidden
	}
	return o, nil
}
