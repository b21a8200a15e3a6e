package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the companion service.
// Environment variables are parsed with the COMPANION_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Local mirror: postgres | sqlite | auto (postgres when a DSN is present)
	DBDriver    string `envconfig:"DB_DRIVER" default:"auto"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/companion.db"`

	// External memory service
	MemoryServiceURL            string  `envconfig:"MEMORY_SERVICE_URL" default:"http://localhost:8000"`
	MemoryServiceAPIKey         string  `envconfig:"MEMORY_SERVICE_API_KEY" default:""`
	MemoryServiceTimeoutSeconds int     `envconfig:"MEMORY_SERVICE_TIMEOUT_SECONDS" default:"30"`
	BreakerMinRequests          uint32  `envconfig:"BREAKER_MIN_REQUESTS" default:"5"`
	BreakerFailureRatio         float64 `envconfig:"BREAKER_FAILURE_RATIO" default:"0.8"`
	BreakerOpenSeconds          int     `envconfig:"BREAKER_OPEN_SECONDS" default:"30"`

	// Identity provisioning
	IdentityClaimTTLSeconds int   `envconfig:"IDENTITY_CLAIM_TTL_SECONDS" default:"30"`
	IdentityCacheSize       int64 `envconfig:"IDENTITY_CACHE_SIZE" default:"10000"`

	// Plans catalog override; empty uses the embedded catalog
	PlansFile string `envconfig:"PLANS_FILE" default:""`

	// Budget for the detached external-write + bookkeeping sequence
	OperationTimeoutSeconds int `envconfig:"OPERATION_TIMEOUT_SECONDS" default:"30"`

	// Authentication: DevMode accepts the local dev key; APIKeys maps token -> "userId|email",
	// e.g. COMPANION_API_KEYS=tok1:u-1|a@example.com,tok2:u-2
	DevMode bool              `envconfig:"DEV_MODE" default:"false"`
	APIKeys map[string]string `envconfig:"API_KEYS" default:""`

	// Health checks
	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"30"`
	HealthProbeTimeoutSeconds int `envconfig:"HEALTH_PROBE_TIMEOUT_SECONDS" default:"2"`
	BootstrapTimeoutSeconds   int `envconfig:"BOOTSTRAP_TIMEOUT_SECONDS" default:"5"`
}

// ResolveDefaults validates the driver selection and derives it when set to "auto" or empty.
func (c *Config) ResolveDefaults() error {
	if c.DBDriver == "" || c.DBDriver == "auto" {
		if c.PostgresDSN != "" {
			c.DBDriver = "postgres"
		} else {
			c.DBDriver = "sqlite"
		}
	}

	switch c.DBDriver {
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when DB_DRIVER=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DB_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}

	switch c.Environment {
	case EnvDevelopment, EnvTesting, EnvProduction:
	default:
		return fmt.Errorf("unsupported ENVIRONMENT: %s", c.Environment)
	}
	if c.DevMode && c.Environment == EnvProduction {
		return fmt.Errorf("DEV_MODE is not allowed in production")
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Example: COMPANION_HTTP_PORT, COMPANION_MEMORY_SERVICE_API_KEY
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("COMPANION", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Int("port", cfg.HTTPPort).
		Str("memory_service_url", cfg.MemoryServiceURL).
		Bool("memory_service_configured", cfg.MemoryServiceConfigured()).
		Str("plans_file", cfg.PlansFile).
		Bool("dev_mode", cfg.DevMode).
		Int("api_keys", len(cfg.APIKeys)).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	return &Config{
		Environment:                 EnvTesting,
		LogLevel:                    "debug",
		HTTPPort:                    8080,
		DBDriver:                    "sqlite",
		SQLitePath:                  "companion-test.db",
		MemoryServiceURL:            "http://localhost:8000",
		MemoryServiceAPIKey:         "test-key",
		MemoryServiceTimeoutSeconds: 5,
		BreakerMinRequests:          5,
		BreakerFailureRatio:         0.8,
		BreakerOpenSeconds:          30,
		IdentityClaimTTLSeconds:     5,
		IdentityCacheSize:           1000,
		OperationTimeoutSeconds:     5,
		DevMode:                     true,
		HealthIntervalSeconds:       1,
		HealthProbeTimeoutSeconds:   1,
		BootstrapTimeoutSeconds:     1,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// MemoryServiceConfigured reports whether the external memory credential is present.
func (c *Config) MemoryServiceConfigured() bool {
	return c.MemoryServiceAPIKey != ""
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func (c *Config) MemoryServiceTimeout() time.Duration {
	return time.Duration(c.MemoryServiceTimeoutSeconds) * time.Second
}

func (c *Config) IdentityClaimTTL() time.Duration {
	return time.Duration(c.IdentityClaimTTLSeconds) * time.Second
}

func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}
