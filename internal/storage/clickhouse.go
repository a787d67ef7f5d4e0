package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/event"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB holds the analytics copy of the after-action record. It is
// written asynchronously through aar.Mirror and never read by the channel.
type ClickHouseDB struct {
	conn driver.Conn
}

var _ aar.Sink = (*ClickHouseDB)(nil)

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables. ReplacingMergeTree collapses
// rows re-sent after a failed flush.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS command_events (
			squad_id        Int64,
			seq             UInt64,
			kind            LowCardinality(String),
			actor_id        String,
			payload         String,
			created_at      DateTime64(3),
			mirrored_at     DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree(mirrored_at)
		PARTITION BY toYYYYMM(created_at)
		ORDER BY (squad_id, seq)`,
	}

	for _, q := range queries {
		if err := d.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// InsertEvents writes a batch of committed events.
func (d *ClickHouseDB) InsertEvents(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO command_events (squad_id, seq, kind, actor_id, payload, created_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, ev := range events {
		payload, err := ev.Payload()
		if err != nil {
			return fmt.Errorf("encode event %d/%d: %w", ev.SquadID, ev.Sequence, err)
		}
		if err := batch.Append(ev.SquadID, ev.Sequence, string(ev.Kind), ev.ActorID, string(payload), ev.Timestamp); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// EventStats summarises the mirrored record.
type EventStats struct {
	Total       uint64
	Squads      uint64
	ByKind      map[string]uint64
	TopSenders  []ActorCount
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// ActorCount is an actor with their event count.
type ActorCount struct {
	ActorID string
	Count   uint64
}

// GetStats returns record statistics. A zero squadID covers every squad.
func (d *ClickHouseDB) GetStats(ctx context.Context, squadID int64) (*EventStats, error) {
	where, args := "", []any{}
	if squadID != 0 {
		where = " WHERE squad_id = ?"
		args = append(args, squadID)
	}
	stats := &EventStats{ByKind: make(map[string]uint64)}

	row := d.conn.QueryRow(ctx, "SELECT count(), uniqExact(squad_id), min(created_at), max(created_at) FROM command_events FINAL"+where, args...)
	if err := row.Scan(&stats.Total, &stats.Squads, &stats.FirstSeenAt, &stats.LastSeenAt); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	rows, err := d.conn.Query(ctx, "SELECT kind, count() FROM command_events FINAL"+where+" GROUP BY kind ORDER BY kind", args...)
	if err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	if err := scanKindCounts(rows, stats.ByKind); err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}

	rows, err = d.conn.Query(ctx, "SELECT actor_id, count() AS n FROM command_events FINAL"+where+" GROUP BY actor_id ORDER BY n DESC LIMIT 10", args...)
	if err != nil {
		return nil, fmt.Errorf("count by actor: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ac ActorCount
		if err := rows.Scan(&ac.ActorID, &ac.Count); err != nil {
			return nil, err
		}
		stats.TopSenders = append(stats.TopSenders, ac)
	}
	return stats, rows.Err()
}

// scanKindCounts reads (kind, count) rows into m and closes rows.
func scanKindCounts(rows driver.Rows, m map[string]uint64) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			kind  string
			count uint64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return err
		}
		m[kind] = count
	}
	return rows.Err()
}
