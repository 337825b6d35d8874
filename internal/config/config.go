package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the ingestion core
type Config struct {
	// Mode
	Debug bool

	// Polymarket HTTP APIs
	DataAPIURL  string
	GammaAPIURL string
	CLOBAPIURL  string

	// Market WebSocket feed
	MarketWSURL string

	// Polygon RPC
	PolygonRPCURL string // HTTP endpoint, always required
	PolygonWSURL  string // WebSocket endpoint for push subscriptions

	// Chain monitor
	ChainPollInterval    time.Duration
	MinTransferValue     string // raw token units, decimal string; "" disables the filter
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PushEnabled          bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		DataAPIURL:  getEnv("POLYMARKET_DATA_API_URL", "https://data-api.polymarket.com"),
		GammaAPIURL: getEnv("POLYMARKET_GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		CLOBAPIURL:  getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),

		MarketWSURL: getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),

		PolygonRPCURL: getEnv("POLYGON_RPC_URL", "https://polygon-rpc.com"),
		PolygonWSURL:  getEnv("POLYGON_WS_URL", "wss://polygon-bor-rpc.publicnode.com"),

		ChainPollInterval:    getEnvDuration("CHAIN_POLL_INTERVAL", 15*time.Second),
		MinTransferValue:     getEnv("MIN_TRANSFER_VALUE", ""),
		AutoReconnect:        getEnvBool("CHAIN_AUTO_RECONNECT", true),
		ReconnectDelay:       getEnvDuration("CHAIN_RECONNECT_DELAY", 5*time.Second),
		MaxReconnectAttempts: getEnvInt("CHAIN_MAX_RECONNECT_ATTEMPTS", 3),
		PushEnabled:          getEnvBool("CHAIN_PUSH_ENABLED", true),
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
