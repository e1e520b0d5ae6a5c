// Package config loads server configuration from the environment, with
// an optional .env file for development convenience.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"BEATSYNC_ADDR" envDefault:":12346"`
	MetricsAddr string `env:"BEATSYNC_METRICS_ADDR" envDefault:":9100"`

	// Upstream services
	APIBase string `env:"BEATSYNC_API_BASE" envDefault:"https://api.beatsync.example.com"`
	NATSURL string `env:"BEATSYNC_NATS_URL" envDefault:""`

	// Capacity
	MaxConnections int `env:"BEATSYNC_MAX_CONNECTIONS" envDefault:"10000"`

	// Accept rate limiting
	AcceptRate  float64 `env:"BEATSYNC_ACCEPT_RATE" envDefault:"500"`
	AcceptBurst int     `env:"BEATSYNC_ACCEPT_BURST" envDefault:"1000"`
	PerIPRate   float64 `env:"BEATSYNC_PER_IP_RATE" envDefault:"10"`
	PerIPBurst  int     `env:"BEATSYNC_PER_IP_BURST" envDefault:"20"`

	// Session timing
	HeartbeatInterval time.Duration `env:"BEATSYNC_HEARTBEAT_INTERVAL" envDefault:"1s"`
	PongInterval      time.Duration `env:"BEATSYNC_PONG_INTERVAL" envDefault:"5s"`
	IdleTimeout       time.Duration `env:"BEATSYNC_IDLE_TIMEOUT" envDefault:"30s"`
	DangleTimeout     time.Duration `env:"BEATSYNC_DANGLE_TIMEOUT" envDefault:"60s"`

	// Room policy
	RoomCreationEnabled bool    `env:"BEATSYNC_ROOM_CREATION_ENABLED" envDefault:"true"`
	ReplayEnabled       bool    `env:"BEATSYNC_REPLAY_ENABLED" envDefault:"false"`
	Monitors            []int32 `env:"BEATSYNC_MONITOR_USERS" envSeparator:","`

	// Monitoring
	MetricsInterval time.Duration `env:"BEATSYNC_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is optional; production deployments set variables directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BEATSYNC_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("BEATSYNC_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.AcceptRate <= 0 || c.PerIPRate <= 0 {
		return fmt.Errorf("accept rates must be > 0, got %.1f global / %.1f per-ip", c.AcceptRate, c.PerIPRate)
	}
	if c.AcceptBurst < 1 || c.PerIPBurst < 1 {
		return fmt.Errorf("accept bursts must be > 0, got %d global / %d per-ip", c.AcceptBurst, c.PerIPBurst)
	}
	if c.HeartbeatInterval <= 0 || c.PongInterval <= 0 || c.IdleTimeout <= 0 || c.DangleTimeout <= 0 {
		return fmt.Errorf("all session timing intervals must be > 0")
	}
	if c.PongInterval < c.HeartbeatInterval {
		return fmt.Errorf("BEATSYNC_PONG_INTERVAL (%s) must be >= BEATSYNC_HEARTBEAT_INTERVAL (%s)",
			c.PongInterval, c.HeartbeatInterval)
	}
	if c.IdleTimeout <= c.PongInterval {
		return fmt.Errorf("BEATSYNC_IDLE_TIMEOUT (%s) must be > BEATSYNC_PONG_INTERVAL (%s)",
			c.IdleTimeout, c.PongInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the loaded configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("metrics_addr", c.MetricsAddr).
		Str("api_base", c.APIBase).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Float64("accept_rate", c.AcceptRate).
		Float64("per_ip_rate", c.PerIPRate).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("pong_interval", c.PongInterval).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("dangle_timeout", c.DangleTimeout).
		Bool("room_creation_enabled", c.RoomCreationEnabled).
		Bool("replay_enabled", c.ReplayEnabled).
		Ints32("monitor_users", c.Monitors).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
