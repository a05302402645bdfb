// Package config loads the relay's configuration from environment
// variables, 12-factor style. Every knob has a default that boots a
// local development relay against a local chain.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the relay configuration.
type Config struct {
	Port     string
	LogLevel string

	// Ledger backend: "sqlite" (default), "postgres", "redis", or
	// "memory" for throwaway runs.
	LedgerBackend string
	SQLitePath    string
	DatabaseURL   string
	RedisAddr     string
	RedisPrefix   string

	// Settlement chain.
	SettlementRPCURL string
	BridgeContract   string
	PolicyContract   string
	StartBlock       uint64
	ReplayWindow     uint64
	PollInterval     time.Duration

	// Sidechain.
	SidechainRPCURL string
	SidechainPrefix string
	SignerAddress   string
	FeeDenom        string
	FeeAmount       string
	FeeGas          uint64

	// Operational bounds.
	MaxBroadcastAttempts int
	MaxRedriveAttempts   int
	SpendRatePerSecond   float64
	SpendBurst           int

	// Telemetry is off unless an endpoint is set.
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		LedgerBackend: envStr("LEDGER_BACKEND", "sqlite"),
		SQLitePath:    envStr("SQLITE_PATH", "relay.db"),
		DatabaseURL:   envStr("DATABASE_URL", "postgres://relay@localhost:5432/relay?sslmode=disable"),
		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:   envStr("REDIS_PREFIX", "relay"),

		SettlementRPCURL: envStr("SETTLEMENT_RPC_URL", "http://localhost:8545"),
		BridgeContract:   envStr("BRIDGE_CONTRACT", ""),
		PolicyContract:   envStr("POLICY_CONTRACT", ""),
		StartBlock:       envUint64("START_BLOCK", 0),
		ReplayWindow:     envUint64("REPLAY_WINDOW", 12),
		PollInterval:     envDuration("POLL_INTERVAL", 5*time.Second),

		SidechainRPCURL: envStr("SIDECHAIN_RPC_URL", "http://localhost:26657"),
		SidechainPrefix: envStr("SIDECHAIN_PREFIX", "cosmos"),
		SignerAddress:   envStr("SIGNER_ADDRESS", ""),
		FeeDenom:        envStr("FEE_DENOM", "uatom"),
		FeeAmount:       envStr("FEE_AMOUNT", "5000"),
		FeeGas:          envUint64("FEE_GAS", 200000),

		MaxBroadcastAttempts: envInt("MAX_BROADCAST_ATTEMPTS", 5),
		MaxRedriveAttempts:   envInt("MAX_REDRIVE_ATTEMPTS", 5),
		SpendRatePerSecond:   envFloat("SPEND_RATE_PER_SECOND", 10),
		SpendBurst:           envInt("SPEND_BURST", 20),

		OTLPEndpoint: envStr("OTLP_ENDPOINT", ""),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
