// Package storage provides the persistence backends: PostgreSQL for the
// server, SQLite for the device-side queue and ClickHouse for analytics.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pilgrim_sync/internal/checkin"
)

// LocalDB is the device-side SQLite store. It keeps the check-in queue and
// the last sequence seen on each squad channel, so both survive restarts.
type LocalDB struct {
	db *sql.DB
}

var _ checkin.Store = (*LocalDB)(nil)

// OpenLocal opens or creates a SQLite database at the given path.
func OpenLocal(path string) (*LocalDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and writes serial.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &LocalDB{db: db}, nil
}

// Close closes the database connection.
func (d *LocalDB) Close() error {
	return d.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_records (
		local_id INTEGER PRIMARY KEY,
		id INTEGER NOT NULL,
		canonical_id INTEGER NOT NULL DEFAULT 0,
		target_id TEXT NOT NULL,
		client_ts TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		accuracy_m REAL NOT NULL DEFAULT 0,
		reflection TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		dedup_token TEXT NOT NULL UNIQUE,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		permanent INTEGER NOT NULL DEFAULT 0,
		reflection_dirty INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_queue_records_state ON queue_records(state);

	CREATE TABLE IF NOT EXISTS channel_cursors (
		squad_id INTEGER PRIMARY KEY,
		last_seq INTEGER NOT NULL,
		updated_at TEXT DEFAULT (datetime('now'))
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return migrateSchema(db)
}

// migrateSchema adds columns introduced after the first release.
func migrateSchema(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('queue_records') WHERE name='verified'`).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE queue_records ADD COLUMN verified INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add verified column: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Save inserts or replaces the record keyed by its LocalID.
func (d *LocalDB) Save(ctx context.Context, r checkin.Record) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO queue_records (local_id, id, canonical_id, target_id, client_ts, latitude, longitude,
			accuracy_m, reflection, state, dedup_token, attempts, next_attempt_at, last_error,
			permanent, reflection_dirty, verified, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(local_id) DO UPDATE SET
			id = excluded.id,
			canonical_id = excluded.canonical_id,
			reflection = excluded.reflection,
			state = excluded.state,
			attempts = excluded.attempts,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			permanent = excluded.permanent,
			reflection_dirty = excluded.reflection_dirty,
			verified = excluded.verified,
			updated_at = excluded.updated_at
	`, r.LocalID, r.ID, r.CanonicalID, r.TargetID, formatTime(r.ClientTimestamp),
		r.Coordinate.Latitude, r.Coordinate.Longitude, r.AccuracyMeters, r.Reflection,
		r.State.String(), r.DedupToken, r.Attempts, formatTime(r.NextAttemptAt), r.LastError,
		boolInt(r.Permanent), boolInt(r.ReflectionDirty), boolInt(r.Verified))
	if err != nil {
		return fmt.Errorf("save record %d: %w", r.LocalID, err)
	}
	return nil
}

func (d *LocalDB) Remove(ctx context.Context, localID int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM queue_records WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("remove record %d: %w", localID, err)
	}
	return nil
}

// Load returns every stored record in submission order. Placeholder ids
// are negative and decrease, so submission order is descending local_id.
func (d *LocalDB) Load(ctx context.Context) ([]checkin.Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT local_id, id, canonical_id, target_id, client_ts, latitude, longitude, accuracy_m,
			reflection, state, dedup_token, attempts, next_attempt_at, last_error, permanent,
			reflection_dirty, verified
		FROM queue_records
		ORDER BY local_id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []checkin.Record
	for rows.Next() {
		var (
			r                          checkin.Record
			clientTS, nextAttempt      sql.NullString
			state                      string
			permanent, dirty, verified int
		)
		if err := rows.Scan(&r.LocalID, &r.ID, &r.CanonicalID, &r.TargetID, &clientTS,
			&r.Coordinate.Latitude, &r.Coordinate.Longitude, &r.AccuracyMeters, &r.Reflection,
			&state, &r.DedupToken, &r.Attempts, &nextAttempt, &r.LastError, &permanent,
			&dirty, &verified); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.State, err = checkin.ParseSyncState(state); err != nil {
			return nil, fmt.Errorf("record %d: %w", r.LocalID, err)
		}
		if r.ClientTimestamp, err = parseTime(clientTS); err != nil {
			return nil, fmt.Errorf("record %d client_ts: %w", r.LocalID, err)
		}
		if r.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
			return nil, fmt.Errorf("record %d next_attempt_at: %w", r.LocalID, err)
		}
		r.Permanent = permanent != 0
		r.ReflectionDirty = dirty != 0
		r.Verified = verified != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cursor returns the last sequence seen on the squad's channel, or zero.
func (d *LocalDB) Cursor(ctx context.Context, squadID int64) (uint64, error) {
	var seq int64
	err := d.db.QueryRowContext(ctx, `SELECT last_seq FROM channel_cursors WHERE squad_id = ?`, squadID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cursor: %w", err)
	}
	return uint64(seq), nil
}

// SaveCursor stores the last sequence seen on the squad's channel.
func (d *LocalDB) SaveCursor(ctx context.Context, squadID int64, seq uint64) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO channel_cursors (squad_id, last_seq, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(squad_id) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at
	`, squadID, int64(seq))
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
