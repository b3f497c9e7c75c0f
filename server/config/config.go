package config

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// Settings is the environment settings provider for the engine server.
type Settings struct {
	LogLevel     string `env:"MERIDIAN_LOG_LEVEL" envDefault:"info"`
	NatsURL      string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	EmbeddedNats bool   `env:"MERIDIAN_EMBEDDED_NATS" envDefault:"false"`
	// UseNatsBus selects the NATS-backed event aggregator instead of the
	// in-process one.
	UseNatsBus  bool `env:"MERIDIAN_NATS_BUS" envDefault:"false"`
	Concurrency int  `env:"MERIDIAN_CONCURRENCY" envDefault:"10"`
	CronEnabled bool `env:"MERIDIAN_CRON" envDefault:"true"`
}

// GetEnvironment pulls the active settings into a settings struct.
func GetEnvironment() (*Settings, error) {
	cfg := &Settings{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment settings: %w", err)
	}
	return cfg, nil
}
