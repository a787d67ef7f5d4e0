// Package config loads binary settings from PILGRIM_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"pilgrim_sync/internal/storage"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Postgres holds PostgreSQL settings.
type Postgres struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	Database string `env:"DATABASE" envDefault:"pilgrim"`
	User     string `env:"USER" envDefault:"pilgrim"`
	Password string `env:"PASSWORD" envDefault:"pilgrim"`
}

// ClickHouse holds settings for the optional analytics mirror. An empty
// host disables it.
type ClickHouse struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"9000"`
	Database string `env:"DATABASE" envDefault:"pilgrim"`
	User     string `env:"USER" envDefault:"default"`
	Password string `env:"PASSWORD"`
}

// Server is the pilgrim-server configuration.
type Server struct {
	Addr     string `env:"PILGRIM_ADDR" envDefault:":8080"`
	LogLevel string `env:"PILGRIM_LOG_LEVEL" envDefault:"info"`
	// Tokens is a comma-separated "token=user" table.
	Tokens string `env:"PILGRIM_TOKENS"`

	CatalogPath  string `env:"PILGRIM_CATALOG"`
	CatalogWatch bool   `env:"PILGRIM_CATALOG_WATCH" envDefault:"true"`

	// NATSURL enables cross-instance fan-out when set.
	NATSURL    string `env:"PILGRIM_NATS_URL"`
	InstanceID string `env:"PILGRIM_INSTANCE_ID"`

	CatchUp          int           `env:"PILGRIM_CATCH_UP" envDefault:"50"`
	RallyRadius      float64       `env:"PILGRIM_RALLY_RADIUS_METERS" envDefault:"50"`
	PresenceInterval time.Duration `env:"PILGRIM_PRESENCE_INTERVAL" envDefault:"5s"`
	RoomIdle         time.Duration `env:"PILGRIM_ROOM_IDLE" envDefault:"10m"`

	MirrorBatch    int           `env:"PILGRIM_MIRROR_BATCH" envDefault:"500"`
	MirrorInterval time.Duration `env:"PILGRIM_MIRROR_INTERVAL" envDefault:"5s"`

	Postgres   Postgres   `envPrefix:"PILGRIM_PG_"`
	ClickHouse ClickHouse `envPrefix:"PILGRIM_CH_"`
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	if cfg.CatchUp <= 0 {
		return Server{}, fmt.Errorf("PILGRIM_CATCH_UP must be positive, got %d", cfg.CatchUp)
	}
	return cfg, nil
}

// Storage converts the database settings for storage.Open.
func (s Server) Storage() storage.Config {
	return storage.Config{
		Postgres: storage.PostgresConfig{
			Host:     s.Postgres.Host,
			Port:     s.Postgres.Port,
			Database: s.Postgres.Database,
			User:     s.Postgres.User,
			Password: s.Postgres.Password,
		},
		ClickHouse: storage.ClickHouseConfig{
			Host:     s.ClickHouse.Host,
			Port:     s.ClickHouse.Port,
			Database: s.ClickHouse.Database,
			User:     s.ClickHouse.User,
			Password: s.ClickHouse.Password,
		},
	}
}
