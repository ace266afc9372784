package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	// APIBaseURL is the backend REST base, e.g. http://localhost:8000.
	APIBaseURL string `env:"MENTORCHAT_API_URL"`
	// SocketURL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	SocketURL string `env:"MENTORCHAT_WS_URL"`
	Email     string `env:"MENTORCHAT_EMAIL"`
	Password  string `env:"MENTORCHAT_PASSWORD"`

	MaxReconnects    int           `env:"MENTORCHAT_MAX_RECONNECTS" envDefault:"5"`
	ReconnectBackoff time.Duration `env:"MENTORCHAT_RECONNECT_BACKOFF" envDefault:"2s"`
	// StatsAddr, when set, serves /debug/vars on this address.
	StatsAddr string `env:"MENTORCHAT_STATS_ADDR"`
}

func NewConfig(apiBaseURL, socketURL, email, password string) (*Config, error) {
	cfg := &Config{
		APIBaseURL:       apiBaseURL,
		SocketURL:        socketURL,
		Email:            email,
		Password:         password,
		MaxReconnects:    5,
		ReconnectBackoff: 2 * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv builds a config from MENTORCHAT_* environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api base url cannot be empty")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("socket url cannot be empty")
	}
	if !strings.HasPrefix(c.SocketURL, "ws://") && !strings.HasPrefix(c.SocketURL, "wss://") {
		return fmt.Errorf("socket url must use ws or wss scheme")
	}
	if c.Email == "" || c.Password == "" {
		return fmt.Errorf("credentials cannot be empty")
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects cannot be negative")
	}

	return nil
}
