package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6780"`
	DBPath     string `env:"DB_PATH, default=deploywatch.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Monitoring struct {
	SweepInterval time.Duration `env:"SWEEP_INTERVAL, default=30s"`
}

// Email holds the resend credentials for the email channel. Recipients
// live in the runtime-tunable settings blob, not here.
type Email struct {
	APIKey string `env:"API_KEY"`
	From   string `env:"FROM, default=alerts@deploywatch.org"`
}

type Config struct {
	Server     Server     `env:",prefix=DEPLOYWATCH_SERVER_"`
	Monitoring Monitoring `env:",prefix=DEPLOYWATCH_MONITOR_"`
	Email      Email      `env:",prefix=DEPLOYWATCH_EMAIL_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
