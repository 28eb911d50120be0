package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal relay.
type Config struct {
	Port string

	// Database
	DBPath string

	// Exchange endpoints (sandbox vs live)
	BinanceTestnet bool
	BinanceBaseURL string // optional override of the REST base URL
	BinanceWSHost  string // optional override of the user-data stream host

	// Single-user fallback credentials. In multi-user mode per-user
	// credentials come from the DB and these are ignored.
	MultiUser        bool
	BinanceAPIKey    string
	BinanceAPISecret string

	// Risk defaults file (YAML), hot-reloaded on change.
	RiskConfigPath string

	// Worker pools
	BroadcastWorkers int
	StreamWorkers    int

	// Timeouts
	TaskTimeout    time.Duration // per-user orchestrator budget in a broadcast
	RequestTimeout time.Duration // passed to the API config; no handler applies it

	// Auth
	JWTSecret      string
	MonitorAPIKeys []string // keys accepted for role MONITOR on ingestion endpoints

	// WebSocket reconnect
	WSMaxReconnects int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the relay still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8090"),
		DBPath:           getEnv("DB_PATH", "./data/relay.db"),
		BinanceTestnet:   getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceBaseURL:   os.Getenv("BINANCE_BASE_URL"),
		BinanceWSHost:    os.Getenv("BINANCE_WS_HOST"),
		MultiUser:        getEnv("MULTI_USER", "true") == "true",
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		RiskConfigPath:   getEnv("RISK_CONFIG_PATH", "./risk.yaml"),
		BroadcastWorkers: getEnvInt("BROADCAST_WORKERS", 10),
		StreamWorkers:    getEnvInt("STREAM_WORKERS", 4),
		TaskTimeout:      getEnvDuration("TASK_TIMEOUT", 30*time.Second),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		MonitorAPIKeys:   splitAndTrim(getEnv("MONITOR_API_KEYS", "")),
		WSMaxReconnects:  getEnvInt("WS_MAX_RECONNECTS", 20),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
