package config

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/nglmercer/nwebhook/internal/relay"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	BindAddr  string `env:"BIND_ADDR" default:"127.0.0.1"`
	Port      string `env:"PORT" default:"3030"`
	StaticDir string `env:"STATIC_DIR" default:"public"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Cross-instance bridge; empty REDIS_URL runs single-instance.
	RedisURL      string `env:"REDIS_URL"`
	BridgeChannel string `env:"BRIDGE_CHANNEL" default:"nwebhook:broadcast"`

	SendBufferSize int    `env:"SEND_BUFFER_SIZE" default:"64"`
	DeliveryPolicy string `env:"DELIVERY_POLICY" default:"best_effort"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"5"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"10"`

	// Webhook rate limit per client IP; 0 disables it.
	WebhookRate  float64 `env:"WEBHOOK_RATE" default:"0"`
	WebhookBurst int     `env:"WEBHOOK_BURST" default:"20"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.BindAddr, c.Port)
}

func validate(cfg *Config) error {
	if cfg.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if _, err := relay.ParseDeliveryPolicy(cfg.DeliveryPolicy); err != nil {
		return fmt.Errorf("DELIVERY_POLICY must be %s or %s, got %q",
			relay.DeliverBestEffort, relay.DeliverEvictSlow, cfg.DeliveryPolicy)
	}

	if cfg.SendBufferSize < 1 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be at least 1, got %d", cfg.SendBufferSize)
	}

	if cfg.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be at least 1, got %d", cfg.MaxConnections)
	}
	if cfg.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be at least 1, got %d", cfg.MaxConnectionsPerIP)
	}
	if cfg.ConnectionRate <= 0 {
		return fmt.Errorf("CONNECTION_RATE must be positive, got %v", cfg.ConnectionRate)
	}
	if cfg.ConnectionBurst < 1 {
		return fmt.Errorf("CONNECTION_BURST must be at least 1, got %d", cfg.ConnectionBurst)
	}

	if cfg.WebhookRate < 0 {
		return fmt.Errorf("WEBHOOK_RATE must not be negative, got %v", cfg.WebhookRate)
	}
	if cfg.WebhookRate > 0 && cfg.WebhookBurst < 1 {
		return fmt.Errorf("WEBHOOK_BURST must be at least 1 when WEBHOOK_RATE is set, got %d", cfg.WebhookBurst)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %v", cfg.ShutdownTimeout)
	}

	return nil
}
