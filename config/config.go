// Package config loads server configuration from the environment.
//
// A .env file is honored when present (development convenience); real
// environments set the variables directly. Command-line flags in
// cmd/server/main.go take precedence over everything here.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port   int
	DBPath string
}

// Load reads configuration with sensible defaults. Missing .env is not an
// error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:   8080,
		DBPath: "registers.db",
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	return cfg, nil
}
