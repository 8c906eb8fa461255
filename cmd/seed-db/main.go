package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/bookstore-checkout/db"
	"github.com/xenking/bookstore-checkout/internal/domain/auth"
	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/storage/postgres"
)

type options struct {
	databaseURL string
	booksFile   string
	apiKey      string
	apiKeyID    string
	userID      string
	role        string
	pepper      string
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.booksFile, "books-file", "", "path to a books JSON file, optionally gzipped (default: embedded catalog)")
	flag.StringVar(&opts.apiKey, "api-key", "", "API key to seed (or BOOKSTORE_SEED_API_KEY env)")
	flag.StringVar(&opts.apiKeyID, "api-key-id", "default", "identifier of the seeded API key")
	flag.StringVar(&opts.userID, "user-id", "user-1", "user the seeded API key belongs to")
	flag.StringVar(&opts.role, "role", string(auth.RoleBuyer), "role of the seeded API key: buyer or admin")
	flag.StringVar(&opts.pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or BOOKSTORE_API_KEY_PEPPER env)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.apiKey == "" {
		opts.apiKey = os.Getenv("BOOKSTORE_SEED_API_KEY")
	}
	if opts.pepper == "" {
		opts.pepper = os.Getenv("BOOKSTORE_API_KEY_PEPPER")
	}
	if r := auth.Role(opts.role); r != auth.RoleBuyer && r != auth.RoleAdmin {
		slog.Error("invalid role", slog.String("role", opts.role))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	books, err := loadBooks(opts.booksFile)
	if err != nil {
		return errors.Wrap(err, "load books")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	bookRepo := postgres.NewBookRepository(pool)
	slog.Info("upserting books", slog.Int("count", len(books)))
	for _, b := range books {
		if err := bookRepo.Upsert(ctx, b); err != nil {
			return err
		}
		slog.Info("upserted book", slog.String("id", b.ID), slog.String("title", b.Title))
	}

	if opts.apiKey == "" {
		slog.Warn("no API key given, skipping key seeding")
		return nil
	}

	info := auth.APIKeyInfo{
		ID:      opts.apiKeyID,
		KeyHash: auth.HashKey([]byte(opts.pepper), opts.apiKey),
		UserID:  opts.userID,
		Role:    auth.Role(opts.role),
	}
	if err := postgres.NewAPIKeyRepository(pool).Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	slog.Info("upserted API key",
		slog.String("id", info.ID),
		slog.String("user_id", info.UserID),
		slog.String("role", opts.role),
	)
	return nil
}

// loadBooks reads the catalog from path, or the embedded seed when path is
// empty. Files ending in .gz are decompressed.
func loadBooks(path string) ([]catalog.Book, error) {
	if path == "" {
		return catalog.ParseSeed(db.SeedBooks)
	}

	slog.Info("reading books file", slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open books file")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip reader")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read books file")
	}
	return catalog.ParseSeed(data)
}
