// Package config holds the chatmeterd process settings read from the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Settings are the process-level knobs. Plans, models and providers live in
// the YAML file named by Config.
type Settings struct {
	Addr   string `envconfig:"ADDR" default:":8080"`
	Config string `envconfig:"CONFIG"`

	// Ledger selects the usage store: memory, redis, postgres or sqlite.
	Ledger      string `envconfig:"LEDGER" default:"memory"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"chatmeter.db"`

	// Per-user request rate in front of the enforcer. Zero disables it.
	RatePerSec float64 `envconfig:"RATE_PER_SEC" default:"5"`
	RateBurst  int     `envconfig:"RATE_BURST" default:"10"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file and then CHATMETER_* variables.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Settings{}, fmt.Errorf("load .env: %w", err)
	}

	var s Settings
	if err := envconfig.Process("CHATMETER", &s); err != nil {
		return Settings{}, fmt.Errorf("process env: %w", err)
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	switch s.Ledger {
	case "memory", "redis", "sqlite":
	case "postgres":
		if s.DatabaseURL == "" {
			return fmt.Errorf("CHATMETER_DATABASE_URL is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger %q", s.Ledger)
	}
	if s.RatePerSec < 0 || s.RateBurst < 0 {
		return fmt.Errorf("rate limit must be non-negative")
	}
	if s.RatePerSec > 0 && s.RateBurst < 1 {
		return fmt.Errorf("CHATMETER_RATE_BURST must be at least 1 when a rate is set")
	}
	return nil
}

func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
