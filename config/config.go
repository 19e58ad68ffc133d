package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Upstream market-data provider
	UpstreamWSURL    string
	UpstreamWSKey    string
	UpstreamWSSecret string
	UpstreamRESTURL  string

	// Aggregation
	BackfillLookbackMinutes int
	TickQueueCapacity       int
	MaxConcurrentSymbols    int

	// Fan-out
	SSEQueueCapacity int

	// Reconnect backoff
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Storage
	StorePath string
	UserDBDSN string

	// Auth
	AuthJWKSURL     string
	AuthHS256Secret string

	// Listeners
	HTTPListenAddr string
	MetricsAddr    string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		UpstreamWSURL:    mustEnv("UPSTREAM_WS_URL"),
		UpstreamWSKey:    mustEnv("UPSTREAM_WS_KEY"),
		UpstreamWSSecret: mustEnv("UPSTREAM_WS_SECRET"),
		UpstreamRESTURL:  mustEnv("UPSTREAM_REST_URL"),

		BackfillLookbackMinutes: getEnvInt("BACKFILL_LOOKBACK_MINUTES", 1440),
		TickQueueCapacity:       getEnvInt("TICK_QUEUE_CAPACITY", 500),
		MaxConcurrentSymbols:    getEnvInt("MAX_CONCURRENT_SYMBOLS", 500),

		SSEQueueCapacity: getEnvInt("SSE_QUEUE_CAPACITY", 10),

		ReconnectMin: time.Duration(getEnvInt("RECONNECT_MIN_MS", 1000)) * time.Millisecond,
		ReconnectMax: time.Duration(getEnvInt("RECONNECT_MAX_MS", 30000)) * time.Millisecond,

		StorePath: getEnv("STORE_PATH", "./data/market.db"),
		UserDBDSN: mustEnv("USERDB_DSN"),

		AuthJWKSURL:     mustEnv("AUTH_JWKS_URL"),
		AuthHS256Secret: getEnv("AUTH_HS256_SECRET", ""),

		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8001"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
	}
}

// BackfillLookback returns the backfill window as a duration.
func (c *Config) BackfillLookback() time.Duration {
	return time.Duration(c.BackfillLookbackMinutes) * time.Minute
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] ignoring invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
