// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger / chain settings
	OriginChainID    int64  // chain ID stamped on escrow records and signed intents
	RPCURL           string // collaborator RPC endpoint (registry + token reads)
	RegistryContract string // dataset registry contract (owner lookup + active flag)
	AssetContract    string // settlement asset contract (balanceOf)
	OperatorAddress  string // broker operator account, required

	// Escrow settings
	MinTimelock  time.Duration // lower bound on intent timelock, measured from now
	MaxTimelock  time.Duration // upper bound on intent timelock
	FeeBps       int64         // service fee in basis points, deducted on claim
	FeeCollector string        // account credited with claim fees
	MinBond      string        // minimum resolver bond

	// Broker settings
	DisputeWindow    time.Duration // delay before a settlement may be attempted
	MonitorInterval  time.Duration // monitoring sweep cadence
	DrainInterval    time.Duration // settlement drain cadence
	MaxSettleRetries int           // bounded retry for settlement submission

	// Dispute settings
	DisputeMaxAge  time.Duration // aging threshold before auto-resolution
	ArbiterAddress string        // account whose signature authorizes external resolutions

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, empty disables tracing
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultOriginChainID   = 84532 // Base Sepolia
	DefaultMinTimelock     = 1 * time.Hour
	DefaultMaxTimelock     = 30 * 24 * time.Hour
	DefaultFeeBps          = 50 // 0.5%
	DefaultMinBond         = "100"
	DefaultDisputeWindow   = 1 * time.Hour
	DefaultMonitorInterval = 60 * time.Second
	DefaultDrainInterval   = 10 * time.Second
	DefaultMaxRetries      = 3
	DefaultDisputeMaxAge   = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OriginChainID:    getEnvInt64("ORIGIN_CHAIN_ID", DefaultOriginChainID),
		RPCURL:           os.Getenv("RPC_URL"), // Optional, degrades collaborator checks if not set
		RegistryContract: os.Getenv("REGISTRY_CONTRACT"),
		AssetContract:    os.Getenv("ASSET_CONTRACT"),
		OperatorAddress:  os.Getenv("OPERATOR_ADDRESS"), // Required, no default
		MinTimelock:      getEnvDuration("MIN_TIMELOCK", DefaultMinTimelock),
		MaxTimelock:      getEnvDuration("MAX_TIMELOCK", DefaultMaxTimelock),
		FeeBps:           getEnvInt64("FEE_BPS", DefaultFeeBps),
		FeeCollector:     os.Getenv("FEE_COLLECTOR"),
		MinBond:          getEnv("MIN_BOND", DefaultMinBond),
		DisputeWindow:    getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		MonitorInterval:  getEnvDuration("MONITOR_INTERVAL", DefaultMonitorInterval),
		DrainInterval:    getEnvDuration("DRAIN_INTERVAL", DefaultDrainInterval),
		MaxSettleRetries: int(getEnvInt64("MAX_SETTLE_RETRIES", DefaultMaxRetries)),
		DisputeMaxAge:    getEnvDuration("DISPUTE_MAX_AGE", DefaultDisputeMaxAge),
		ArbiterAddress:   os.Getenv("ARBITER_ADDRESS"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// The operator arbitrates unless a dedicated arbiter key is configured.
	if cfg.ArbiterAddress == "" {
		cfg.ArbiterAddress = cfg.OperatorAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OperatorAddress == "" {
		return fmt.Errorf("OPERATOR_ADDRESS is required")
	}
	if len(c.OperatorAddress) != 42 || c.OperatorAddress[:2] != "0x" {
		return fmt.Errorf("OPERATOR_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}

	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000")
	}
	if c.FeeBps > 0 && c.FeeCollector == "" {
		return fmt.Errorf("FEE_COLLECTOR is required when FEE_BPS > 0")
	}

	if c.MinTimelock <= 0 || c.MaxTimelock <= 0 {
		return fmt.Errorf("timelock bounds must be positive")
	}
	if c.MinTimelock >= c.MaxTimelock {
		return fmt.Errorf("MIN_TIMELOCK must be less than MAX_TIMELOCK")
	}

	if c.MaxSettleRetries < 1 {
		return fmt.Errorf("MAX_SETTLE_RETRIES must be at least 1")
	}

	if c.ArbiterAddress != "" && (len(c.ArbiterAddress) != 42 || c.ArbiterAddress[:2] != "0x") {
		return fmt.Errorf("ARBITER_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
