package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ocbot/internal/adapters/logger"
)

// Config holds process-level bootstrap configuration. Runtime-tunable values
// live in the sqlite-backed config store and are reloaded while running.
type Config struct {
	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string // "text" or "json"

	// Venue connection defaults (per-bot credentials come from the bots table)
	IsTestnet            bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	VenueCallTimeout     time.Duration

	// Hedge-vs-one-way fallback when venue detection fails. The venue adapter
	// detects the mode once per account and applies it to every symbol; there
	// is no per-symbol detection.
	PositionMode string // "hedge" or "one_way"

	// Notifier
	TelegramToken string

	// Config store refresh period
	ConfigReloadInterval time.Duration
}

// Load loads configuration from environment variables (.env file).
func Load() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	cfg.DBPath = getEnv("DB_PATH", "./data/ocbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be 'text' or 'json'")
	}

	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	callTimeoutMs := getEnvAsInt("VENUE_CALL_TIMEOUT_MS", 5000)
	if callTimeoutMs <= 0 {
		errs = append(errs, "VENUE_CALL_TIMEOUT_MS must be positive")
	}
	cfg.VenueCallTimeout = time.Duration(callTimeoutMs) * time.Millisecond

	cfg.PositionMode = strings.ToLower(getEnv("POSITION_MODE", "one_way"))
	if cfg.PositionMode != "hedge" && cfg.PositionMode != "one_way" {
		errs = append(errs, "POSITION_MODE must be 'hedge' or 'one_way'")
	}

	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", "")

	reloadSeconds := getEnvAsInt("CONFIG_RELOAD_SECONDS", 30)
	if reloadSeconds <= 0 {
		errs = append(errs, "CONFIG_RELOAD_SECONDS must be positive")
	}
	cfg.ConfigReloadInterval = time.Duration(reloadSeconds) * time.Second

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
