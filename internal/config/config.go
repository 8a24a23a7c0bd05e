// Package config loads the engine's runtime configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration. Empty optional URLs switch the
// corresponding backend off.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"auction-engine"`

	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	AuditBoltPath string `env:"AUDIT_BOLT_PATH"`
	OTelEndpoint  string `env:"OTEL_ENDPOINT"`

	MinBiddingWindowMinutes int           `env:"MIN_BIDDING_WINDOW_MINUTES" envDefault:"5"`
	RequireAdminApproval    bool          `env:"REQUIRE_ADMIN_APPROVAL" envDefault:"false"`
	UseTransactions         bool          `env:"USE_TRANSACTIONS" envDefault:"true"`
	SweepInterval           time.Duration `env:"SWEEP_INTERVAL" envDefault:"0s"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if c.MinBiddingWindowMinutes < 1 {
		errs = append(errs, fmt.Errorf("MIN_BIDDING_WINDOW_MINUTES must be at least 1, got %d", c.MinBiddingWindowMinutes))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval))
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("REDIS_URL requires DATABASE_URL"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
