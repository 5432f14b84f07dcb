// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration. It is loaded once at startup
// and treated as immutable for the process lifetime.
type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// Blob store backend: fs, redis, postgres or memory.
	StoreBackend string `env:"STORE_BACKEND" envDefault:"fs"`
	StoreDir     string `env:"STORE_DIR" envDefault:"./data"`
	RedisAddr    string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DatabaseURL  string `env:"DATABASE_URL"`

	CacheTTL   time.Duration `env:"CACHE_TTL" envDefault:"24h"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"60s"`
	RateLimit  int           `env:"RATE_LIMIT" envDefault:"120"`

	Vies    ViesConfig
	Billing BillingConfig

	SMTPAddr  string `env:"SMTP_ADDR"`
	EmailFrom string `env:"EMAIL_FROM" envDefault:"no-reply@vatgate.local"`
}

// ViesConfig holds upstream checkVat service settings.
type ViesConfig struct {
	URL     string        `env:"VIES_URL" envDefault:"https://ec.europa.eu/taxation_customs/vies/services/checkVatService"`
	Timeout time.Duration `env:"VIES_TIMEOUT" envDefault:"2500ms"`
	// MaxRPS throttles outbound calls; zero disables the throttle.
	MaxRPS float64 `env:"VIES_MAX_RPS"`
}

// BillingConfig holds billing provider settings.
type BillingConfig struct {
	APIURL        string   `env:"BILLING_API_URL"`
	APIKey        string   `env:"BILLING_API_KEY"`
	WebhookSecret string   `env:"BILLING_WEBHOOK_SECRET"`
	AllowedPrices []string `env:"BILLING_ALLOWED_PRICES" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "fs", "redis", "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT must be positive, got %d", c.RateLimit)
	}
	if c.RateWindow < time.Second {
		return fmt.Errorf("RATE_WINDOW must be at least 1s, got %s", c.RateWindow)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	return nil
}

// HasBilling returns true if the billing provider is configured.
func (c *Config) HasBilling() bool {
	return c.Billing.APIURL != "" && c.Billing.APIKey != ""
}

// HasSMTP returns true if outbound email is configured.
func (c *Config) HasSMTP() bool {
	return c.SMTPAddr != ""
}
