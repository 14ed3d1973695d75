package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr      string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Commerce  CommerceConfig
	Storage   StorageConfig
	Pricing   PricingConfig
	Sessions  SessionsConfig
	Checkout  CheckoutConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
}

// CommerceConfig points at the remote commerce API.
type CommerceConfig struct {
	BaseURL         string        `usage:"Commerce API base URL (discounts, profile, orders)" flag:"commerce-url"`
	Timeout         time.Duration `default:"10s" usage:"Per-request timeout of the commerce client"`
	DiscountTimeout time.Duration `default:"15s" usage:"Upper bound on one discount computation" flag:"discount-timeout"`
}

// StorageConfig selects where carts live.
type StorageConfig struct {
	Backend     string        `default:"memory" usage:"Cart storage: memory, redis or postgres"`
	RedisURL    string        `usage:"Redis URL (KART_STORAGE_REDISURL or REDIS_URL)" flag:"redis-url"`
	DatabaseURL string        `usage:"PostgreSQL URL (KART_STORAGE_DATABASEURL or DATABASE_URL)" flag:"database-url"`
	Namespace   string        `default:"storefront" usage:"Key namespace shared by processes serving the same carts"`
	TTL         time.Duration `default:"720h" usage:"Idle cart lifetime in durable storage, 0 keeps carts forever"`
}

// PricingConfig tunes the pricing rules. Amounts are decimal strings.
type PricingConfig struct {
	FreeShippingThreshold string            `default:"5000" usage:"Subtotal at which shipping becomes free" flag:"free-shipping-threshold"`
	PointsEarnDivisor     string            `default:"100" usage:"Total divided by this gives points earned" flag:"points-earn-divisor"`
	DefaultShippingRate   string            `default:"500" usage:"Rate for destinations missing from the table" flag:"default-shipping-rate"`
	CountryRates          map[string]string `usage:"Extra or replaced country rates as country:rate pairs"`
}

// SessionsConfig controls the in-memory session registry.
type SessionsConfig struct {
	IdleTimeout   time.Duration `default:"30m" usage:"Drop sessions unused for this long" flag:"session-idle-timeout"`
	SweepInterval time.Duration `default:"1m" usage:"How often idle sessions are swept" flag:"session-sweep-interval"`
	WaitTimeout   time.Duration `default:"25s" usage:"Long-poll bound for GET /api/summary/{view}?after=N" flag:"wait-timeout"`
}

// CheckoutConfig limits receipt uploads.
type CheckoutConfig struct {
	MaxAttachmentSize int           `default:"5242880" usage:"Largest accepted receipt in bytes" flag:"max-attachment-size"`
	AttachmentTTL     time.Duration `default:"30m" usage:"How long an unused receipt is kept" flag:"attachment-ttl"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"300" usage:"Max requests per window"`
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

// pricingAmounts holds the parsed amounts of PricingConfig.
type pricingAmounts struct {
	freeThreshold decimal.Decimal
	earnDivisor   decimal.Decimal
	defaultRate   decimal.Decimal
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
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

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	if c.Commerce.BaseURL == "" {
		return errors.New("commerce URL is required: set KART_COMMERCE_BASEURL")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("redis URL is required: set KART_STORAGE_REDISURL or REDIS_URL")
		}
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_STORAGE_DATABASEURL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := c.Pricing.parse(); err != nil {
		return err
	}
	return nil
}

func (p PricingConfig) parse() (pricingAmounts, error) {
	var (
		out pricingAmounts
		err error
	)
	if out.freeThreshold, err = decimal.NewFromString(p.FreeShippingThreshold); err != nil {
		return pricingAmounts{}, errors.Wrap(err, "free shipping threshold")
	}
	if out.earnDivisor, err = decimal.NewFromString(p.PointsEarnDivisor); err != nil {
		return pricingAmounts{}, errors.Wrap(err, "points earn divisor")
	}
	if !out.earnDivisor.IsPositive() {
		return pricingAmounts{}, errors.New("points earn divisor must be positive")
	}
	if out.defaultRate, err = decimal.NewFromString(p.DefaultShippingRate); err != nil {
		return pricingAmounts{}, errors.Wrap(err, "default shipping rate")
	}
	if out.freeThreshold.IsNegative() || out.defaultRate.IsNegative() {
		return pricingAmounts{}, errors.New("pricing amounts must not be negative")
	}
	return out, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Storage.RedisURL == "" {
		c.Storage.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
