// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/arena/internal/arena"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Blockchain settings. An empty RPCURL runs the signer stack in
	// offline mode: real keys, synthetic transaction references.
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded, no 0x prefix; platform treasury key
	TokenContract string

	// Round defaults. Per-arena overrides come in on the create request.
	ArenaDuration    time.Duration
	TickInterval     time.Duration
	MaxAgents        int
	Pairs            []string
	BaseAsset        string
	StartingBalance  float64
	GraceTimeout     time.Duration
	MaxDrawdownBps   int64
	PressureInterval time.Duration
	IntelPrice       float64
}

// Base Sepolia defaults
const (
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	arenaDefaults := arena.DefaultConfig()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:     getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RPCURL:        os.Getenv("RPC_URL"), // Optional, offline mode if not set
		ChainID:       getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:    os.Getenv("PRIVATE_KEY"), // Optional, generated if not set
		TokenContract: getEnv("TOKEN_CONTRACT", DefaultTokenContract),

		ArenaDuration:    getEnvDuration("ARENA_DURATION", arenaDefaults.Duration),
		TickInterval:     getEnvDuration("TICK_INTERVAL", arenaDefaults.TickInterval),
		MaxAgents:        int(getEnvInt64("MAX_AGENTS", int64(arenaDefaults.MaxAgents))),
		Pairs:            getEnvList("PAIRS", arenaDefaults.Pairs),
		BaseAsset:        getEnv("BASE_ASSET", arenaDefaults.BaseAsset),
		StartingBalance:  getEnvFloat("STARTING_BALANCE", arenaDefaults.StartingBalance),
		GraceTimeout:     getEnvDuration("GRACE_TIMEOUT", arenaDefaults.GraceTimeout),
		MaxDrawdownBps:   getEnvInt64("MAX_DRAWDOWN_BPS", arenaDefaults.MaxDrawdownBps),
		PressureInterval: getEnvDuration("PRESSURE_INTERVAL", 4*time.Second),
		IntelPrice:       getEnvFloat("INTEL_PRICE", arenaDefaults.IntelPrice),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		// Allow both with and without 0x prefix
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.RPCURL != "" && c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required when RPC_URL is set")
	}

	if c.MaxAgents < 2 {
		return fmt.Errorf("MAX_AGENTS must be at least 2")
	}

	for _, pair := range c.Pairs {
		if !strings.Contains(pair, "/") {
			return fmt.Errorf("PAIRS entry %q is not of the form ASSET/%s", pair, c.BaseAsset)
		}
	}

	return nil
}

// ArenaConfig returns the round defaults as an arena configuration.
func (c *Config) ArenaConfig() arena.Config {
	return arena.Config{
		Duration:        c.ArenaDuration,
		TickInterval:    c.TickInterval,
		MaxAgents:       c.MaxAgents,
		Pairs:           c.Pairs,
		BaseAsset:       c.BaseAsset,
		StartingBalance: c.StartingBalance,
		GraceTimeout:    c.GraceTimeout,
		MaxDrawdownBps:  c.MaxDrawdownBps,
		IntelPrice:      c.IntelPrice,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Offline reports whether the signer stack runs without a chain RPC.
func (c *Config) Offline() bool {
	return c.RPCURL == ""
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
