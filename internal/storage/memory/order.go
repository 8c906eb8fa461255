package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository over a Store.
type OrderRepository struct {
	s *Store
}

// Create stores a new order.
func (r *OrderRepository) Create(_ context.Context, o *order.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.orders[o.ID]; ok {
		return fmt.Errorf("order %q already exists", o.ID)
	}
	r.s.orders[o.ID] = cloneOrder(o)
	return nil
}

// AttachSession records the gateway session reference of an order.
func (r *OrderRepository) AttachSession(_ context.Context, id, sessionRef string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	o.SessionRef = sessionRef
	o.UpdatedAt = r.s.now().UTC()
	return nil
}

// GetByID returns a copy of an order.
func (r *OrderRepository) GetByID(_ context.Context, id string) (*order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// List returns one page of matching orders, newest first.
func (r *OrderRepository) List(_ context.Context, f order.Filter) ([]order.Order, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var matched []order.Order
	for _, o := range r.s.orders {
		if matches(o, f) {
			matched = append(matched, *cloneOrder(o))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if f.Offset < 0 {
		return nil, 0, fmt.Errorf("negative offset %d", f.Offset)
	}
	if f.Offset >= total {
		return []order.Order{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Limit < end-f.Offset {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func matches(o *order.Order, f order.Filter) bool {
	switch {
	case f.BuyerID != "" && o.BuyerID != f.BuyerID:
		return false
	case f.Status != "" && o.Status != f.Status:
		return false
	case f.MinTotal != nil && o.Total.LessThan(*f.MinTotal):
		return false
	case f.MaxTotal != nil && o.Total.GreaterThan(*f.MaxTotal):
		return false
	case f.CreatedFrom != nil && o.CreatedAt.Before(*f.CreatedFrom):
		return false
	case f.CreatedTo != nil && o.CreatedAt.After(*f.CreatedTo):
		return false
	}
	return true
}

// ListStalePending returns pending orders without a session reference
// created before the given time, oldest first.
func (r *OrderRepository) ListStalePending(_ context.Context, before time.Time, limit int) ([]order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []order.Order
	for _, o := range r.s.orders {
		if o.Status == order.StatusPending && o.SessionRef == "" && o.CreatedAt.Before(before) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPaid transitions a pending order to paid and applies its stock effect
// while holding the store lock.
func (r *OrderRepository) MarkPaid(_ context.Context, id, sessionRef string) (*order.PaidTransition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if o.Status != order.StatusPending {
		return nil, order.ErrNotPending
	}

	var shortfalls []catalog.Shortfall
	for _, l := range o.Lines {
		if sf := r.s.decrementLocked(l.BookID, l.Quantity); sf != nil {
			shortfalls = append(shortfalls, *sf)
		}
	}

	now := r.s.now().UTC()
	o.Status = order.StatusPaid
	o.PaidAt = &now
	o.UpdatedAt = now
	if o.SessionRef == "" {
		o.SessionRef = sessionRef
	}
	if len(shortfalls) > 0 {
		o.ReconciliationRequired = true
		o.ReconciliationNote = order.ReconciliationNote(shortfalls)
	}

	return &order.PaidTransition{
		Order:      cloneOrder(o),
		Shortfalls: shortfalls,
	}, nil
}
