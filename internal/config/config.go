package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds everything the daemons read from the environment.
type Config struct {
	DatabaseURL     string        `envconfig:"DATABASE_URL" required:"true"`
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	JWTSecret       string        `envconfig:"JWT_SECRET" required:"true"`
	RateProviderURL string        `envconfig:"RATE_PROVIDER_URL" required:"true"`
	ZIGRateURL      string        `envconfig:"ZIG_RATE_URL" required:"true"`
	MTQInterval     time.Duration `envconfig:"MTQ_INTERVAL" default:"1m"`
	MTQBailAfter    time.Duration `envconfig:"MTQ_BAIL_AFTER" default:"14m"`
	DCOHourUTC      int           `envconfig:"DCO_HOUR_UTC" default:"0"`
	DCOPollEvery    time.Duration `envconfig:"DCO_POLL_EVERY" default:"5s"`
}

// Load reads configuration from CLEARING_-prefixed environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("clearing", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DCOHourUTC < 0 || cfg.DCOHourUTC > 23 {
		return Config{}, fmt.Errorf("DCO_HOUR_UTC must be 0-23, got %d", cfg.DCOHourUTC)
	}
	return cfg, nil
}
