package storage

import (
	"context"
	"fmt"
)

// Config holds the server's database connection settings. ClickHouse is
// optional; an empty host disables the analytics mirror.
type Config struct {
	ClickHouse ClickHouseConfig
	Postgres   PostgresConfig
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Host:     "",
			Port:     9000,
			Database: "pilgrim",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "pilgrim",
			User:     "pilgrim",
			Password: "pilgrim",
		},
	}
}

// DB wraps the server's database connections.
type DB struct {
	PG *PostgresDB   // authoritative state and the record.
	CH *ClickHouseDB // analytics mirror; nil when not configured.
}

// Open opens PostgreSQL and, when configured, ClickHouse.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	db := &DB{PG: pg}
	if cfg.ClickHouse.Host != "" {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		db.CH = ch
	}
	return db, nil
}

// Close closes every open connection.
func (d *DB) Close() error {
	var errs []error
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// CreateSchemas creates the schemas in every configured database.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if err := d.PG.CreateSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	if d.CH != nil {
		if err := d.CH.CreateSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	return nil
}
