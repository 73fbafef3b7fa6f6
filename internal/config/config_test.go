package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DB_NAME", "chainswap")
	t.Setenv("RPC_ENDPOINTS", "https://rpc-a.example.com, https://rpc-b.example.com")
	t.Setenv("WALLET_ENCRYPTION_KEY", "test-encryption-secret")
	t.Setenv("MASTER_ADDRESS", "0xc808614261dAa667fB1250192c7c047f76081ef3")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://rpc-a.example.com", "https://rpc-b.example.com"}, cfg.RPCEndpoints)
	assert.Equal(t, int64(1074), cfg.ChainID)
	assert.Equal(t, "SMR", cfg.NativeSymbol)
	assert.Equal(t, 2, cfg.RPCRetries)
	assert.Equal(t, 5*time.Second, cfg.RPCTimeout)
	assert.Equal(t, 90*time.Second, cfg.SubmitTimeout)
	assert.Equal(t, []string{"https://api.0x.org/swap/v1/quote"}, cfg.QuoteBaseURLs)
	assert.Equal(t, "0.002", cfg.GasReserve)
	assert.Equal(t, "0.02", cfg.FundingMin)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRequiresRPCEndpoints(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RPC_ENDPOINTS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC_ENDPOINTS")
}

func TestLoadRequiresEncryptionKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WALLET_ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WALLET_ENCRYPTION_KEY")
}

func TestLoadRequiresMasterWallet(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MASTER_ADDRESS", "")
	t.Setenv("MASTER_PRIVATE_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MASTER_PRIVATE_KEY or MASTER_ADDRESS")
}

func TestLoadRejectsInvalidGasReserve(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GAS_RESERVE", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GAS_RESERVE")
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoadParsesOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHAIN_ID", "8453")
	t.Setenv("RPC_RETRIES", "4")
	t.Setenv("RPC_TIMEOUT", "10s")
	t.Setenv("QUOTE_BASE_URLS", "https://quotes-a.example.com,https://quotes-b.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.Equal(t, 4, cfg.RPCRetries)
	assert.Equal(t, 10*time.Second, cfg.RPCTimeout)
	assert.Len(t, cfg.QuoteBaseURLs, 2)
}
