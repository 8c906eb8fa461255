package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/domain/order"
)

const (
	orderColumns = `id, buyer_id, lines, total_amount, currency, payment_status,
		COALESCE(session_ref, ''), reconciliation_required, reconciliation_note,
		paid_at, created_at, updated_at`

	createOrderSQL = `INSERT INTO orders
		(id, buyer_id, lines, total_amount, currency, payment_status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	attachSessionSQL = `UPDATE orders SET session_ref = $2, updated_at = now() WHERE id = $1`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listStalePendingSQL = `SELECT ` + orderColumns + ` FROM orders
	WHERE payment_status = 'pending' AND session_ref IS NULL AND created_at < $1
	ORDER BY created_at
	LIMIT $2`

	// markPaidSQL is the compare-and-transition: it only matches while the
	// order is still pending, and the row lock it takes serializes
	// concurrent deliveries for the same order.
	markPaidSQL = `UPDATE orders SET
		payment_status = 'paid',
		session_ref = COALESCE(session_ref, NULLIF($2, '')),
		paid_at = now(),
		updated_at = now()
	WHERE id = $1 AND payment_status = 'pending'
	RETURNING ` + orderColumns

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	flagOrderSQL = `UPDATE orders SET
		reconciliation_required = true,
		reconciliation_note = $2
	WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. The order lines are serialized to JSON for
// storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	linesJSON, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("marshaling order lines: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.BuyerID, linesJSON, o.Total, o.Currency, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// AttachSession records the gateway session reference of an order.
func (r *OrderRepository) AttachSession(ctx context.Context, id, sessionRef string) error {
	tag, err := r.pool.Exec(ctx, attachSessionSQL, id, sessionRef)
	if err != nil {
		return fmt.Errorf("attaching session to order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

// GetByID returns a single order.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// List returns one page of matching orders, newest first, and the total
// number of matches.
func (r *OrderRepository) List(ctx context.Context, f order.Filter) ([]order.Order, int, error) {
	if f.Offset < 0 {
		return nil, 0, fmt.Errorf("negative offset %d", f.Offset)
	}
	where, args := buildOrderFilter(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting orders: %w", err)
	}

	query := `SELECT ` + orderColumns + ` FROM orders` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders: %w", err)
	}
	return orders, total, nil
}

// buildOrderFilter renders the fixed set of supported constraints as a
// parameterized WHERE clause.
func buildOrderFilter(f order.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.BuyerID != "" {
		add("buyer_id = ?", f.BuyerID)
	}
	if f.Status != "" {
		add("payment_status = ?", string(f.Status))
	}
	if f.MinTotal != nil {
		add("total_amount >= ?", *f.MinTotal)
	}
	if f.MaxTotal != nil {
		add("total_amount <= ?", *f.MaxTotal)
	}
	if f.CreatedFrom != nil {
		add("created_at >= ?", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at <= ?", *f.CreatedTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListStalePending returns pending orders without a session reference
// created before the given time, oldest first.
func (r *OrderRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listStalePendingSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale pending orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// MarkPaid transitions a pending order to paid and applies the stock effect
// of every line in a single transaction. Either the status flip and all
// stock mutations commit together, or none of them do.
func (r *OrderRepository) MarkPaid(ctx context.Context, id, sessionRef string) (*order.PaidTransition, error) {
	var tr *order.PaidTransition
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, markPaidSQL, id, sessionRef)
		if err != nil {
			return fmt.Errorf("transitioning order %q: %w", id, err)
		}
		o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
				return fmt.Errorf("checking order %q: %w", id, err)
			}
			if !exists {
				return order.ErrOrderNotFound
			}
			return order.ErrNotPending
		}
		if err != nil {
			return fmt.Errorf("transitioning order %q: %w", id, err)
		}

		var shortfalls []catalog.Shortfall
		for _, l := range stockEffects(o.Lines) {
			sf, err := decrementStock(ctx, tx, l.BookID, l.Quantity)
			if err != nil {
				return err
			}
			if sf != nil {
				shortfalls = append(shortfalls, *sf)
			}
		}

		if len(shortfalls) > 0 {
			note := order.ReconciliationNote(shortfalls)
			if _, err := tx.Exec(ctx, flagOrderSQL, id, note); err != nil {
				return fmt.Errorf("flagging order %q: %w", id, err)
			}
			o.ReconciliationRequired = true
			o.ReconciliationNote = note
		}

		tr = &order.PaidTransition{Order: &o, Shortfalls: shortfalls}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// stockEffects sums quantities per book and orders them by book id, so
// transitions touching the same books lock rows in the same order.
func stockEffects(lines []order.Line) []order.Line {
	byBook := make(map[string]int, len(lines))
	for _, l := range lines {
		byBook[l.BookID] += l.Quantity
	}
	out := make([]order.Line, 0, len(byBook))
	for id, qty := range byBook {
		out = append(out, order.Line{BookID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookID < out[j].BookID })
	return out
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o         order.Order
		linesJSON []byte
		status    string
	)
	err := row.Scan(
		&o.ID, &o.BuyerID, &linesJSON, &o.Total, &o.Currency, &status,
		&o.SessionRef, &o.ReconciliationRequired, &o.ReconciliationNote,
		&o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.Status = order.Status(status)
	if err := json.Unmarshal(linesJSON, &o.Lines); err != nil {
		return o, fmt.Errorf("unmarshaling lines of order %q: %w", o.ID, err)
	}
	return o, nil
}
