// Package app wires configuration, storage, the payment gateway and the HTTP
// server into a runnable service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/bookstore-checkout/db"
	"github.com/xenking/bookstore-checkout/internal/domain/auth"
	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/domain/order"
	"github.com/xenking/bookstore-checkout/internal/domain/reconcile"
	"github.com/xenking/bookstore-checkout/internal/gateway/stripegw"
	"github.com/xenking/bookstore-checkout/internal/handler"
	"github.com/xenking/bookstore-checkout/internal/storage/memory"
	"github.com/xenking/bookstore-checkout/internal/storage/postgres"
	"github.com/xenking/bookstore-checkout/pkg/health"
	"github.com/xenking/bookstore-checkout/pkg/httpmiddleware"
)

const serviceName = "bookstore-api"

// stores groups the repositories of one storage driver.
type stores struct {
	books   catalog.Repository
	orders  order.Repository
	apikeys auth.Repository
	close   func()
}

// openStores connects the configured driver and registers its readiness
// checks.
func openStores(ctx context.Context, lg *zap.Logger, cfg *Config, probes *health.Health) (*stores, error) {
	if cfg.Storage.Driver == DriverMemory {
		books, err := catalog.ParseSeed(db.SeedBooks)
		if err != nil {
			return nil, errors.Wrap(err, "parse seed books")
		}
		keys, err := cfg.Storage.ParseMemoryKeys()
		if err != nil {
			return nil, err
		}
		s := memory.New()
		for _, b := range books {
			s.PutBook(b)
		}
		for i, k := range keys {
			s.PutAPIKey(auth.APIKeyInfo{
				ID:      fmt.Sprintf("memory-%d", i),
				KeyHash: auth.HashKey([]byte(cfg.APIKeyPepper), k.Key),
				UserID:  k.UserID,
				Role:    k.Role,
			})
		}
		lg.Warn("Using in-memory storage, data is lost on restart",
			zap.Int("books", len(books)),
			zap.Int("api_keys", len(keys)),
		)
		return &stores{
			books:   s.Books(),
			orders:  s.Orders(),
			apikeys: s.APIKeys(),
			close:   func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	probes.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))

	return &stores{
		books:   postgres.NewBookRepository(pool),
		orders:  postgres.NewOrderRepository(pool),
		apikeys: postgres.NewAPIKeyRepository(pool),
		close:   pool.Close,
	}, nil
}

// newStripeClient builds the single Stripe client shared by all requests.
// Outbound calls are traced through otelhttp.
func newStripeClient(cfg StripeConfig, m httpmiddleware.Telemetry) *client.API {
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}
	backends := stripe.NewBackends(httpClient)
	if cfg.APIURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:        stripe.String(cfg.APIURL),
			HTTPClient: httpClient,
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return api
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application; m is usually
// the *app.Telemetry of go-faster/sdk.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
	)

	probes := health.New()
	probes.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	st, err := openStores(ctx, lg, cfg, probes)
	if err != nil {
		return err
	}
	defer st.close()

	meter := m.MeterProvider().Meter(serviceName)

	gateway := stripegw.NewGateway(newStripeClient(cfg.Stripe, m), cfg.Stripe.Timeout, stripegw.BreakerConfig{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
	})
	orderService := order.NewService(order.ServiceConfig{
		Currency:   cfg.Stripe.Currency,
		SuccessURL: cfg.Checkout.SuccessURL(),
		CancelURL:  cfg.Checkout.CancelURL(),
	}, st.books, st.orders, gateway)

	reconciler, err := reconcile.NewReconciler(
		stripegw.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.WebhookTolerance),
		st.orders,
		meter,
	)
	if err != nil {
		return errors.Wrap(err, "create reconciler")
	}

	h, err := handler.NewHandler(orderService, reconciler, meter)
	if err != nil {
		return errors.Wrap(err, "create handler")
	}
	security := handler.NewSecurityHandler(st.apikeys, []byte(cfg.APIKeyPepper))

	router := handler.NewRouter(h, security, probes,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			Origins:     cfg.CORS.Origins,
			Headers:     []string{"Content-Type", "Authorization", handler.HeaderAPIKey},
			Credentials: cfg.CORS.AllowCredentials,
			MaxAge:      86400,
		}),
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Instrument(serviceName, m),
		httpmiddleware.LogRequests(),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Stripe.Timeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           router,
	}

	probes.Start(ctx, 10*time.Second)
	defer probes.Stop()
	probes.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		probes.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		if ctx.Err() != nil {
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	return g.Wait()
}
