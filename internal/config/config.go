// Package config loads process configuration from the environment, with an
// optional .env file for local development — the same two-step load every
// draft of the teacher codebase converges on (env.Parse over godotenv.Load).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-derived option recognized by the core,
// per spec §6.
type Config struct {
	UpstreamWSURL    string `env:"UPSTREAM_WS_URL,required"`
	UpstreamWSKey    string `env:"UPSTREAM_WS_KEY,required"`
	UpstreamWSSecret string `env:"UPSTREAM_WS_SECRET,required"`
	UpstreamRESTURL  string `env:"UPSTREAM_REST_URL,required"`

	BackfillLookbackMinutes int `env:"BACKFILL_LOOKBACK_MINUTES" envDefault:"1440"`
	TickQueueCapacity       int `env:"TICK_QUEUE_CAPACITY" envDefault:"500"`
	SSEQueueCapacity        int `env:"SSE_QUEUE_CAPACITY" envDefault:"10"`
	MaxConcurrentSymbols    int `env:"MAX_CONCURRENT_SYMBOLS" envDefault:"500"`

	ReconnectMinMS int `env:"RECONNECT_MIN_MS" envDefault:"1000"`
	ReconnectMaxMS int `env:"RECONNECT_MAX_MS" envDefault:"30000"`

	StorePath     string `env:"STORE_PATH" envDefault:"./data/market.db"`
	UserStorePath string `env:"USER_STORE_PATH" envDefault:"./data/users.db"`

	AuthJWKSURL     string `env:"AUTH_JWKS_URL,required"`
	AuthHS256Secret string `env:"AUTH_HS256_SECRET" envDefault:""`

	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:":8001"`

	// Cluster fan-out relay (§12.1 of SPEC_FULL.md). Empty disables it.
	RelayNATSURL string `env:"RELAY_NATS_URL" envDefault:""`

	// Connection admission limiter (§12.2 of SPEC_FULL.md).
	StreamConnRate  float64 `env:"STREAM_CONN_RATE" envDefault:"5"`
	StreamConnBurst int     `env:"STREAM_CONN_BURST" envDefault:"20"`

	// Backfill REST pacing.
	BackfillRate  float64 `env:"BACKFILL_RATE" envDefault:"10"`
	BackfillBurst int     `env:"BACKFILL_BURST" envDefault:"5"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"5s"`
}

// BackfillLookback returns the configured lookback window as a duration.
func (c *Config) BackfillLookback() time.Duration {
	return time.Duration(c.BackfillLookbackMinutes) * time.Minute
}

// ReconnectMin and ReconnectMax return the feed client's backoff bounds.
func (c *Config) ReconnectMin() time.Duration { return time.Duration(c.ReconnectMinMS) * time.Millisecond }
func (c *Config) ReconnectMax() time.Duration { return time.Duration(c.ReconnectMaxMS) * time.Millisecond }

// Load reads configuration from an optional .env file and the process
// environment. Priority: real environment variables > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using process environment only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
