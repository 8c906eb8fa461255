package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
)

const (
	bookColumns = `id, title, image, price, available_qty, sold_count`

	getBookByIDSQL = `SELECT ` + bookColumns + ` FROM books WHERE id = $1`

	getBooksByIDsSQL = `SELECT ` + bookColumns + ` FROM books WHERE id = ANY($1)`

	upsertBookSQL = `INSERT INTO books (` + bookColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		image = EXCLUDED.image,
		price = EXCLUDED.price,
		available_qty = EXCLUDED.available_qty,
		updated_at = now()`

	// decrementStockSQL locks the book row, clamps the available quantity at
	// zero and returns the quantity seen before the update.
	decrementStockSQL = `WITH prev AS (
		SELECT id, available_qty FROM books WHERE id = $1 FOR UPDATE
	)
	UPDATE books b SET
		available_qty = GREATEST(prev.available_qty - $2::integer, 0),
		sold_count = b.sold_count + $2::integer,
		updated_at = now()
	FROM prev
	WHERE b.id = prev.id
	RETURNING prev.available_qty`
)

var _ catalog.Repository = (*BookRepository)(nil)

// BookRepository implements catalog.Repository backed by PostgreSQL.
type BookRepository struct {
	pool *pgxpool.Pool
}

// NewBookRepository returns a BookRepository that uses the given pool.
func NewBookRepository(pool *pgxpool.Pool) *BookRepository {
	return &BookRepository{pool: pool}
}

// GetByID returns a single book by its identifier.
func (r *BookRepository) GetByID(ctx context.Context, id string) (*catalog.Book, error) {
	rows, err := r.pool.Query(ctx, getBookByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting book %q: %w", id, err)
	}

	b, err := pgx.CollectExactlyOneRow(rows, scanBook)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting book %q: %w", id, err)
	}
	return &b, nil
}

// GetByIDs returns books matching any of the given IDs.
func (r *BookRepository) GetByIDs(ctx context.Context, ids []string) ([]catalog.Book, error) {
	rows, err := r.pool.Query(ctx, getBooksByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting books by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanBook)
}

// DecrementStock applies a clamped stock decrement outside of any order
// transition.
func (r *BookRepository) DecrementStock(ctx context.Context, id string, qty int) (*catalog.Shortfall, error) {
	return decrementStock(ctx, r.pool, id, qty)
}

// Upsert inserts a book or refreshes its catalog fields. The sold counter of
// an existing book is left untouched.
func (r *BookRepository) Upsert(ctx context.Context, b catalog.Book) error {
	_, err := r.pool.Exec(ctx, upsertBookSQL,
		b.ID, b.Title, b.Image, b.Price, b.AvailableQty, b.SoldCount,
	)
	if err != nil {
		return fmt.Errorf("upserting book %q: %w", b.ID, err)
	}
	return nil
}

// decrementStock reports a missing book as a full shortfall, so a deleted
// catalog entry flags the order instead of failing the transition forever.
func decrementStock(ctx context.Context, q dbtx, id string, qty int) (*catalog.Shortfall, error) {
	var prev int
	err := q.QueryRow(ctx, decrementStockSQL, id, qty).Scan(&prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &catalog.Shortfall{BookID: id, Requested: qty}, nil
		}
		return nil, fmt.Errorf("decrementing stock of book %q: %w", id, err)
	}
	if prev < qty {
		return &catalog.Shortfall{BookID: id, Requested: qty, Available: prev}, nil
	}
	return nil, nil
}

func scanBook(row pgx.CollectableRow) (catalog.Book, error) {
	var b catalog.Book
	err := row.Scan(&b.ID, &b.Title, &b.Image, &b.Price, &b.AvailableQty, &b.SoldCount)
	return b, err
}
