package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything crewdeck reads from the environment.
type Config struct {
	// BackendURL is the base URL of the hosted backend, without a trailing
	// slash, e.g. https://abc.example.co
	BackendURL string `env:"CREWDECK_BACKEND_URL,notEmpty"`
	// AnonKey is the public API key sent with every request.
	AnonKey string `env:"CREWDECK_ANON_KEY,notEmpty"`
	// LogLevel: debug, info, warn, error.
	LogLevel string `env:"CREWDECK_LOG_LEVEL" envDefault:"warn"`
}

// Load reads a .env file when one exists, then parses the environment.
func Load() (Config, error) {
	// Missing .env is fine; env vars alone are a valid setup.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
