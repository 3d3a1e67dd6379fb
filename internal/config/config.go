package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string     `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string     `env:"DB_PATH" envDefault:"data/territory.db"`
	RedisURL string     `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	JWTSecret string        `env:"JWT_SECRET,required,notEmpty,unset"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"168h"`

	// BalancePath overrides the embedded balance table when set.
	BalancePath string `env:"BALANCE_PATH"`
	SeedDemo    bool   `env:"SEED_DEMO" envDefault:"false"`

	TickInterval           time.Duration `env:"TICK_INTERVAL" envDefault:"10s"`
	LocationUpdateInterval time.Duration `env:"LOCATION_UPDATE_INTERVAL" envDefault:"5s"`
	DisconnectGrace        time.Duration `env:"DISCONNECT_GRACE" envDefault:"1m"`

	WSMessagesPerSecond float64 `env:"WS_MESSAGES_PER_SECOND" envDefault:"10"`
	WSBurst             int     `env:"WS_BURST" envDefault:"20"`

	LocationTTL        time.Duration `env:"LOCATION_TTL" envDefault:"6h"`
	BreakerMaxFailures uint32        `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerOpenTimeout time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}
