package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (BOOKSTORE_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (BOOKSTORE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (BOOKSTORE_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Storage      StorageConfig
	Stripe       StripeConfig
	Checkout     CheckoutConfig
	Breaker      BreakerConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `default:"postgres" usage:"Storage driver: postgres or memory"`
	// MemoryKeys are key:userId:role triples loaded into the memory driver.
	MemoryKeys []string `env:"MEMORY_KEYS" usage:"API keys for the memory driver as key:userId:role" flag:"memory-api-keys"`
}

// MemoryKey is one parsed StorageConfig.MemoryKeys entry.
type MemoryKey struct {
	Key    string
	UserID string
	Role   auth.Role
}

// ParseMemoryKeys splits the configured memory driver keys.
func (c StorageConfig) ParseMemoryKeys() ([]MemoryKey, error) {
	keys := make([]MemoryKey, 0, len(c.MemoryKeys))
	for i, raw := range c.MemoryKeys {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Errorf("memory api key %d: want key:userId:role", i)
		}
		role := auth.Role(parts[2])
		if role != auth.RoleBuyer && role != auth.RoleAdmin {
			return nil, errors.Errorf("memory api key %d: unknown role %q", i, parts[2])
		}
		keys = append(keys, MemoryKey{Key: parts[0], UserID: parts[1], Role: role})
	}
	return keys, nil
}

// StripeConfig holds the payment gateway credentials.
type StripeConfig struct {
	SecretKey        string        `usage:"Stripe secret API key" flag:"stripe-secret-key"`
	WebhookSecret    string        `usage:"Stripe webhook endpoint signing secret" flag:"stripe-webhook-secret"`
	Currency         string        `default:"egp" usage:"ISO currency of checkout sessions"`
	Timeout          time.Duration `default:"10s" usage:"Timeout of a Stripe API call"`
	WebhookTolerance time.Duration `default:"5m" usage:"Accepted age of webhook signatures" flag:"stripe-webhook-tolerance"`
	APIURL           string        `env:"API_URL" usage:"Stripe API base URL override, e.g. a stripe-mock instance" flag:"stripe-api-url"`
}

// CheckoutConfig builds the URLs Stripe redirects the buyer to.
type CheckoutConfig struct {
	FrontendURL string `default:"http://localhost:5173" usage:"Frontend base URL" flag:"frontend-url"`
	SuccessPath string `default:"/checkout/success" usage:"Path appended to the frontend URL after payment"`
	CancelPath  string `default:"/checkout/cancel" usage:"Path appended to the frontend URL on cancel"`
}

// SuccessURL returns the redirect target after a completed payment.
func (c CheckoutConfig) SuccessURL() string {
	return strings.TrimRight(c.FrontendURL, "/") + c.SuccessPath
}

// CancelURL returns the redirect target after a cancelled payment.
func (c CheckoutConfig) CancelURL() string {
	return strings.TrimRight(c.FrontendURL, "/") + c.CancelPath
}

// BreakerConfig controls the circuit breaker around Stripe session creation.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `default:"5" usage:"Consecutive failures that open the breaker"`
	OpenTimeout         time.Duration `default:"30s" usage:"Time the breaker stays open"`
	HalfOpenRequests    uint32        `default:"1" usage:"Probe requests allowed while half-open"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	return loadConfig(os.Args[1:])
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "BOOKSTORE",
		Args:      args,
		Files:     []string{"config.yaml", "/etc/bookstore/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set BOOKSTORE_DATABASE_URL or DATABASE_URL")
		}
	case DriverMemory:
		if _, err := c.Storage.ParseMemoryKeys(); err != nil {
			return err
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.APIKeyPepper == "" {
		return errors.New("api key pepper is required: set BOOKSTORE_API_KEY_PEPPER")
	}
	if c.Stripe.SecretKey == "" {
		return errors.New("stripe secret key is required: set BOOKSTORE_STRIPE_SECRET_KEY")
	}
	if c.Stripe.WebhookSecret == "" {
		return errors.New("stripe webhook secret is required: set BOOKSTORE_STRIPE_WEBHOOK_SECRET")
	}
	if c.Stripe.Currency == "" {
		return errors.New("stripe currency must not be empty")
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's BOOKSTORE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
