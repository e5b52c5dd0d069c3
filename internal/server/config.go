// Package server provides configuration helpers that define runtime defaults,
// validation, and security parameters for the broker.
package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the broker configuration settings including security controls.
type Config struct {
	Port            string        `env:"PARLEY_PORT" envDefault:":8080"`
	AllowedOrigins  []string      `env:"PARLEY_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	AuthSecret      string        `env:"PARLEY_AUTH_SECRET"`
	DBPath          string        `env:"PARLEY_DB_PATH" envDefault:"parley.db"`
	MaxMessageSize  int64         `env:"PARLEY_MAX_MESSAGE_SIZE" envDefault:"4096"`
	HistoryLimit    int           `env:"PARLEY_HISTORY_LIMIT" envDefault:"20"`
	MessageRate     float64       `env:"PARLEY_MESSAGE_RATE" envDefault:"10"`
	MessageBurst    int           `env:"PARLEY_MESSAGE_BURST" envDefault:"20"`
	IdleTimeout     time.Duration `env:"PARLEY_IDLE_TIMEOUT" envDefault:"30m"`
	ReapInterval    time.Duration `env:"PARLEY_REAP_INTERVAL" envDefault:"5m"`
	ShutdownTimeout time.Duration `env:"PARLEY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		DBPath:          "parley.db",
		MaxMessageSize:  4096,
		HistoryLimit:    20,
		MessageRate:     10,
		MessageBurst:    20,
		IdleTimeout:     30 * time.Minute,
		ReapInterval:    5 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	cfg.Port = normalizePort(cfg.Port)

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}

	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 10
	}

	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 20
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}

	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Minute
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return ":8080"
	}
	if !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

// SetConfig applies the provided configuration and returns the sanitized
// settings actually in effect. Passing nil resets to defaults.
func SetConfig(cfg *Config) Config {
	if cfg == nil {
		return sanitizeConfig(defaultConfig())
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Unset variables fall back to the defaults declared in the struct tags.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}
