//go:build integration

package postgres

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/domain/order"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("bookstore"),
		tcpostgres.WithUsername("bookstore"),
		tcpostgres.WithPassword("bookstore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func pendingOrder(buyer string, lines ...order.Line) *order.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return &order.Order{
		ID:        uuid.NewString(),
		BuyerID:   buyer,
		Lines:     lines,
		Total:     total,
		Currency:  "egp",
		Status:    order.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRepositories(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	books := NewBookRepository(pool)
	orders := NewOrderRepository(pool)
	price := decimal.RequireFromString("50.00")

	t.Run("book upsert and lookup", func(t *testing.T) {
		require.NoError(t, books.Upsert(ctx, catalog.Book{ID: "lookup", Title: "Emma", Price: price, AvailableQty: 3}))

		b, err := books.GetByID(ctx, "lookup")
		require.NoError(t, err)
		assert.Equal(t, "Emma", b.Title)
		assert.True(t, price.Equal(b.Price))

		_, err = books.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, catalog.ErrNotFound)

		got, err := books.GetByIDs(ctx, []string{"lookup", "missing"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("mark paid applies once", func(t *testing.T) {
		require.NoError(t, books.Upsert(ctx, catalog.Book{ID: "once", Title: "Pride and Prejudice", Price: price, AvailableQty: 5}))
		o := pendingOrder("u1", order.Line{BookID: "once", Title: "Pride and Prejudice", Quantity: 2, UnitPrice: price})
		require.NoError(t, orders.Create(ctx, o))
		require.NoError(t, orders.AttachSession(ctx, o.ID, "cs_once"))

		tr, err := orders.MarkPaid(ctx, o.ID, "cs_other")
		require.NoError(t, err)
		assert.Empty(t, tr.Shortfalls)
		assert.Equal(t, order.StatusPaid, tr.Order.Status)
		assert.Equal(t, "cs_once", tr.Order.SessionRef)
		require.Len(t, tr.Order.Lines, 1)
		assert.Equal(t, 2, tr.Order.Lines[0].Quantity)

		_, err = orders.MarkPaid(ctx, o.ID, "cs_once")
		assert.ErrorIs(t, err, order.ErrNotPending)

		b, err := books.GetByID(ctx, "once")
		require.NoError(t, err)
		assert.Equal(t, 3, b.AvailableQty)
		assert.Equal(t, 2, b.SoldCount)
	})

	t.Run("concurrent deliveries decrement once", func(t *testing.T) {
		require.NoError(t, books.Upsert(ctx, catalog.Book{ID: "race", Title: "Persuasion", Price: price, AvailableQty: 10}))
		o := pendingOrder("u1", order.Line{BookID: "race", Quantity: 3, UnitPrice: price})
		require.NoError(t, orders.Create(ctx, o))

		var applied atomic.Int32
		var g errgroup.Group
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				_, err := orders.MarkPaid(ctx, o.ID, "cs_race")
				switch {
				case err == nil:
					applied.Add(1)
					return nil
				case errors.Is(err, order.ErrNotPending):
					return nil
				default:
					return err
				}
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), applied.Load())

		b, err := books.GetByID(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, 7, b.AvailableQty)
	})

	t.Run("shortfall is clamped and flagged", func(t *testing.T) {
		require.NoError(t, books.Upsert(ctx, catalog.Book{ID: "short", Title: "Sanditon", Price: price, AvailableQty: 1}))
		o := pendingOrder("u2",
			order.Line{BookID: "short", Quantity: 2, UnitPrice: price},
			order.Line{BookID: "deleted", Quantity: 1, UnitPrice: price},
		)
		require.NoError(t, orders.Create(ctx, o))

		tr, err := orders.MarkPaid(ctx, o.ID, "cs_short")
		require.NoError(t, err)
		require.Len(t, tr.Shortfalls, 2)
		assert.True(t, tr.Order.ReconciliationRequired)

		stored, err := orders.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.True(t, stored.ReconciliationRequired)
		assert.Equal(t, tr.Order.ReconciliationNote, stored.ReconciliationNote)
		assert.Equal(t, "cs_short", stored.SessionRef)

		b, err := books.GetByID(ctx, "short")
		require.NoError(t, err)
		assert.Equal(t, 0, b.AvailableQty)
		assert.Equal(t, 2, b.SoldCount)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := orders.MarkPaid(ctx, "not-a-uuid", "cs")
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
		_, err = orders.GetByID(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
		assert.ErrorIs(t, orders.AttachSession(ctx, "not-a-uuid", "cs"), order.ErrOrderNotFound)
	})

	t.Run("list and stale pending", func(t *testing.T) {
		buyer := "list-" + uuid.NewString()
		var ids []string
		for i := 1; i <= 3; i++ {
			o := pendingOrder(buyer, order.Line{BookID: "lookup", Quantity: i, UnitPrice: price})
			o.CreatedAt = o.CreatedAt.Add(-time.Duration(4-i) * time.Hour)
			require.NoError(t, orders.Create(ctx, o))
			ids = append(ids, o.ID)
		}

		got, total, err := orders.List(ctx, order.Filter{BuyerID: buyer, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, got, 2)
		assert.Equal(t, ids[2], got[0].ID)

		minTotal := decimal.NewFromInt(100)
		got, total, err = orders.List(ctx, order.Filter{BuyerID: buyer, MinTotal: &minTotal, Status: order.StatusPending})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, got, 2)

		stale, err := orders.ListStalePending(ctx, time.Now().Add(-90*time.Minute), 100)
		require.NoError(t, err)
		var staleIDs []string
		for _, o := range stale {
			staleIDs = append(staleIDs, o.ID)
		}
		assert.Contains(t, staleIDs, ids[0])
		assert.Contains(t, staleIDs, ids[1])
		assert.NotContains(t, staleIDs, ids[2])
	})

	t.Run("api keys", func(t *testing.T) {
		keys := NewAPIKeyRepository(pool)
		hash := auth.HashKey([]byte("pepper"), "buyer-key")
		require.NoError(t, keys.Upsert(ctx, auth.APIKeyInfo{ID: "k1", KeyHash: hash, UserID: "u1", Role: auth.RoleBuyer}))

		info, err := keys.FindByHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, "u1", info.UserID)
		assert.Equal(t, auth.RoleBuyer, info.Role)

		_, err = keys.FindByHash(ctx, "unknown")
		assert.ErrorIs(t, err, auth.ErrKeyNotFound)
	})
}
