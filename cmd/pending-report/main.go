package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/bookstore-checkout/internal/domain/order"
	"github.com/xenking/bookstore-checkout/internal/storage/postgres"
)

// staleLister is the slice of the order store the report reads.
type staleLister interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]order.Order, error)
}

func main() {
	var (
		databaseURL string
		olderThan   time.Duration
		limit       int
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.DurationVar(&olderThan, "older-than", 30*time.Minute, "report pending orders created before now minus this")
	flag.IntVar(&limit, "limit", 100, "maximum number of orders to list")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if olderThan <= 0 || limit <= 0 {
		slog.Error("older-than and limit must be positive")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		slog.Error("connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	n, err := report(ctx, os.Stdout, postgres.NewOrderRepository(pool), time.Now().Add(-olderThan), limit)
	if err != nil {
		slog.Error("report failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("report completed", slog.Int("orders", n), slog.Duration("older_than", olderThan))
}

// report writes one row per stale pending order and returns the row count.
func report(ctx context.Context, w io.Writer, orders staleLister, before time.Time, limit int) (int, error) {
	stale, err := orders.ListStalePending(ctx, before, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale pending orders")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ORDER\tBUYER\tTOTAL\tLINES\tCREATED")
	for _, o := range stale {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			o.ID, o.BuyerID, o.Total.StringFixed(2), len(o.Lines), o.CreatedAt.UTC().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return 0, errors.Wrap(err, "write report")
	}
	return len(stale), nil
}
