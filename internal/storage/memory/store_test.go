package memory

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/domain/order"
)

func newPendingOrder(id, buyer string, created time.Time, lines ...order.Line) *order.Order {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return &order.Order{
		ID:        id,
		BuyerID:   buyer,
		Lines:     lines,
		Total:     total,
		Currency:  "egp",
		Status:    order.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func line(bookID string, qty int) order.Line {
	return order.Line{BookID: bookID, Title: bookID, Quantity: qty, UnitPrice: decimal.NewFromInt(50)}
}

func TestMarkPaid(t *testing.T) {
	ctx := context.Background()

	t.Run("decrements stock once", func(t *testing.T) {
		s := New()
		s.PutBook(catalog.Book{ID: "b1", Title: "Pride and Prejudice", Price: decimal.NewFromInt(50), AvailableQty: 5})
		orders := s.Orders()
		require.NoError(t, orders.Create(ctx, newPendingOrder("o1", "u1", time.Now(), line("b1", 2))))

		tr, err := orders.MarkPaid(ctx, "o1", "cs_1")
		require.NoError(t, err)
		assert.Empty(t, tr.Shortfalls)
		assert.Equal(t, order.StatusPaid, tr.Order.Status)
		assert.NotNil(t, tr.Order.PaidAt)
		assert.False(t, tr.Order.ReconciliationRequired)

		_, err = orders.MarkPaid(ctx, "o1", "cs_1")
		assert.ErrorIs(t, err, order.ErrNotPending)

		b, err := s.Books().GetByID(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 3, b.AvailableQty)
		assert.Equal(t, 2, b.SoldCount)
	})

	t.Run("keeps existing session reference", func(t *testing.T) {
		s := New()
		s.PutBook(catalog.Book{ID: "b1", AvailableQty: 5})
		orders := s.Orders()
		require.NoError(t, orders.Create(ctx, newPendingOrder("o1", "u1", time.Now(), line("b1", 1))))
		require.NoError(t, orders.AttachSession(ctx, "o1", "cs_first"))

		tr, err := orders.MarkPaid(ctx, "o1", "cs_other")
		require.NoError(t, err)
		assert.Equal(t, "cs_first", tr.Order.SessionRef)
	})

	t.Run("clamps and flags on shortfall", func(t *testing.T) {
		s := New()
		s.PutBook(catalog.Book{ID: "b1", AvailableQty: 1})
		orders := s.Orders()
		require.NoError(t, orders.Create(ctx, newPendingOrder("o1", "u1", time.Now(), line("b1", 3), line("gone", 1))))

		tr, err := orders.MarkPaid(ctx, "o1", "cs_1")
		require.NoError(t, err)
		require.Len(t, tr.Shortfalls, 2)
		assert.Equal(t, catalog.Shortfall{BookID: "b1", Requested: 3, Available: 1}, tr.Shortfalls[0])
		assert.Equal(t, catalog.Shortfall{BookID: "gone", Requested: 1}, tr.Shortfalls[1])
		assert.True(t, tr.Order.ReconciliationRequired)
		assert.Contains(t, tr.Order.ReconciliationNote, "book b1")

		b, err := s.Books().GetByID(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 0, b.AvailableQty)
		assert.Equal(t, 3, b.SoldCount)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := New().Orders().MarkPaid(ctx, "missing", "cs_1")
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})

	t.Run("concurrent transitions apply once", func(t *testing.T) {
		s := New()
		s.PutBook(catalog.Book{ID: "b1", AvailableQty: 10})
		orders := s.Orders()
		require.NoError(t, orders.Create(ctx, newPendingOrder("o1", "u1", time.Now(), line("b1", 2))))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := orders.MarkPaid(ctx, "o1", "cs_1"); err == nil {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, applied)
		b, err := s.Books().GetByID(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 8, b.AvailableQty)
	})
}

func TestOrderList(t *testing.T) {
	ctx := context.Background()
	s := New()
	orders := s.Orders()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, tc := range []struct {
		id, buyer string
		qty       int
	}{
		{"o1", "u1", 1},
		{"o2", "u2", 2},
		{"o3", "u1", 3},
		{"o4", "u1", 4},
	} {
		o := newPendingOrder(tc.id, tc.buyer, base.Add(time.Duration(i)*time.Hour), line("b1", tc.qty))
		require.NoError(t, orders.Create(ctx, o))
	}

	t.Run("by buyer newest first", func(t *testing.T) {
		got, total, err := orders.List(ctx, order.Filter{BuyerID: "u1", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, got, 2)
		assert.Equal(t, "o4", got[0].ID)
		assert.Equal(t, "o3", got[1].ID)
	})

	t.Run("negative offset rejected", func(t *testing.T) {
		_, _, err := orders.List(ctx, order.Filter{Offset: -16, Limit: 100})
		assert.Error(t, err)
	})

	t.Run("huge offset and limit", func(t *testing.T) {
		got, total, err := orders.List(ctx, order.Filter{Offset: 1, Limit: math.MaxInt})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Len(t, got, 3)
	})

	t.Run("offset past end", func(t *testing.T) {
		got, total, err := orders.List(ctx, order.Filter{Offset: 10, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Empty(t, got)
	})

	t.Run("total range", func(t *testing.T) {
		minTotal := decimal.NewFromInt(100)
		maxTotal := decimal.NewFromInt(150)
		got, total, err := orders.List(ctx, order.Filter{MinTotal: &minTotal, MaxTotal: &maxTotal})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Equal(t, "o3", got[0].ID)
		assert.Equal(t, "o2", got[1].ID)
	})

	t.Run("created range", func(t *testing.T) {
		from := base.Add(time.Hour)
		to := base.Add(2 * time.Hour)
		got, _, err := orders.List(ctx, order.Filter{CreatedFrom: &from, CreatedTo: &to})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "o3", got[0].ID)
	})

	t.Run("status", func(t *testing.T) {
		_, err := orders.MarkPaid(ctx, "o1", "cs_1")
		require.NoError(t, err)
		got, total, err := orders.List(ctx, order.Filter{Status: order.StatusPaid})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "o1", got[0].ID)
	})
}

func TestListStalePending(t *testing.T) {
	ctx := context.Background()
	s := New()
	orders := s.Orders()
	now := time.Now()

	require.NoError(t, orders.Create(ctx, newPendingOrder("old", "u1", now.Add(-2*time.Hour), line("b1", 1))))
	require.NoError(t, orders.Create(ctx, newPendingOrder("attached", "u1", now.Add(-2*time.Hour), line("b1", 1))))
	require.NoError(t, orders.AttachSession(ctx, "attached", "cs_1"))
	require.NoError(t, orders.Create(ctx, newPendingOrder("fresh", "u1", now, line("b1", 1))))

	got, err := orders.ListStalePending(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	orders := s.Orders()
	require.NoError(t, orders.Create(ctx, newPendingOrder("o1", "u1", time.Now(), line("b1", 1))))

	got, err := orders.GetByID(ctx, "o1")
	require.NoError(t, err)
	got.Lines[0].Quantity = 99
	got.Status = order.StatusFailed

	again, err := orders.GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Lines[0].Quantity)
	assert.Equal(t, order.StatusPending, again.Status)

	assert.Error(t, orders.Create(ctx, newPendingOrder("o1", "u1", time.Now())))
	assert.ErrorIs(t, orders.AttachSession(ctx, "missing", "cs"), order.ErrOrderNotFound)
}

func TestAPIKeys(t *testing.T) {
	s := New()
	hash := auth.HashKey([]byte("pepper"), "secret")
	s.PutAPIKey(auth.APIKeyInfo{ID: "k1", KeyHash: hash, UserID: "u1", Role: auth.RoleAdmin})

	info, err := s.APIKeys().FindByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "u1", info.UserID)

	_, err = s.APIKeys().FindByHash(context.Background(), "nope")
	assert.ErrorIs(t, err, auth.ErrKeyNotFound)
}
