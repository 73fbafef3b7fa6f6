package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the chainswap engine
type Config struct {
	// Database configuration
	DBName     string
	DBHost     string
	DBUser     string
	DBPassword string
	DBPort     string
	DBSSLMode  string

	// Chain configuration
	ChainID      int64
	RPCEndpoints []string
	NativeSymbol string

	// RPC retry and timeout configuration
	RPCRetries    int
	RPCTimeout    time.Duration
	SubmitTimeout time.Duration

	// Quote service configuration
	QuoteBaseURLs []string
	QuoteAPIKey   string

	// Wallet configuration
	WalletEncryptionKey string
	MasterPrivateKey    string
	MasterAddress       string

	// Funding configuration (native token amounts, decimal strings)
	GasReserve string
	FundingMin string

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		DBName:              getEnv("DB_NAME", ""),
		DBHost:              getEnv("DB_HOST", ""),
		DBUser:              getEnv("DB_USER", ""),
		DBPassword:          getEnv("DB_PASSWORD", ""),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBSSLMode:           getEnv("DB_SSL_MODE", "disable"),
		NativeSymbol:        getEnv("NATIVE_SYMBOL", "SMR"),
		QuoteAPIKey:         getEnv("QUOTE_API_KEY", ""),
		WalletEncryptionKey: getEnv("WALLET_ENCRYPTION_KEY", ""),
		MasterPrivateKey:    getEnv("MASTER_PRIVATE_KEY", ""),
		MasterAddress:       getEnv("MASTER_ADDRESS", ""),
		GasReserve:          getEnv("GAS_RESERVE", "0.002"),
		FundingMin:          getEnv("FUNDING_MIN", "0.02"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		MetricsPort:         getEnv("METRICS_PORT", "9100"),
	}

	// Parse RPC endpoints
	rpcEndpointsStr := getEnv("RPC_ENDPOINTS", "")
	if rpcEndpointsStr == "" {
		return cfg, fmt.Errorf("RPC_ENDPOINTS environment variable is required")
	}
	cfg.RPCEndpoints = splitAndTrim(rpcEndpointsStr)

	// Parse quote service base URLs, defaulting to the hosted 0x swap API
	quoteURLsStr := getEnv("QUOTE_BASE_URLS", "https://api.0x.org/swap/v1/quote")
	cfg.QuoteBaseURLs = splitAndTrim(quoteURLsStr)

	var err error
	cfg.ChainID, err = parseInt64Env("CHAIN_ID", 1074)
	if err != nil {
		return cfg, fmt.Errorf("invalid CHAIN_ID: %w", err)
	}

	cfg.RPCRetries, err = parseIntEnv("RPC_RETRIES", 2)
	if err != nil {
		return cfg, fmt.Errorf("invalid RPC_RETRIES: %w", err)
	}

	cfg.RPCTimeout, err = parseDurationEnv("RPC_TIMEOUT", 5*time.Second)
	if err != nil {
		return cfg, fmt.Errorf("invalid RPC_TIMEOUT: %w", err)
	}

	cfg.SubmitTimeout, err = parseDurationEnv("SUBMIT_TIMEOUT", 90*time.Second)
	if err != nil {
		return cfg, fmt.Errorf("invalid SUBMIT_TIMEOUT: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}

	if len(c.QuoteBaseURLs) == 0 {
		return fmt.Errorf("at least one quote service base URL is required")
	}

	if c.WalletEncryptionKey == "" {
		return fmt.Errorf("WALLET_ENCRYPTION_KEY is required")
	}

	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	if c.RPCRetries < 0 {
		return fmt.Errorf("RPC_RETRIES must not be negative")
	}

	if _, ok := new(big.Float).SetString(c.GasReserve); !ok {
		return fmt.Errorf("invalid GAS_RESERVE: %s", c.GasReserve)
	}

	if _, ok := new(big.Float).SetString(c.FundingMin); !ok {
		return fmt.Errorf("invalid FUNDING_MIN: %s", c.FundingMin)
	}

	if c.MasterPrivateKey == "" && c.MasterAddress == "" {
		return fmt.Errorf("either MASTER_PRIVATE_KEY or MASTER_ADDRESS is required")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}

// parseInt64Env parses an int64 environment variable with a default value
func parseInt64Env(key string, defaultValue int64) (int64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(str, 10, 64)
}

// parseDurationEnv parses a duration environment variable with a default value
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(str)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
