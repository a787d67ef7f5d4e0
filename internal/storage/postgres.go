package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/checkin"
	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/geo"
	"pilgrim_sync/internal/squad"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB is the authoritative server store: squads, memberships,
// check-ins and the after-action record.
type PostgresDB struct {
	pool *pgxpool.Pool
}

var (
	_ checkin.Repository  = (*PostgresDB)(nil)
	_ squad.Directory     = (*PostgresDB)(nil)
	_ squad.PresenceStore = (*PostgresDB)(nil)
	_ aar.Store           = (*PostgresDB)(nil)
	_ aar.Trimmer         = (*PostgresDB)(nil)
)

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// Ping checks that the database is reachable.
func (d *PostgresDB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Squads. last_seq is the record head and is bumped under a row lock.
	CREATE TABLE IF NOT EXISTS squads (
		id              BIGSERIAL PRIMARY KEY,
		name            TEXT NOT NULL,
		join_code       TEXT NOT NULL UNIQUE,
		creator_id      TEXT NOT NULL,
		capacity        INTEGER NOT NULL,
		last_seq        BIGINT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- One active squad per user.
	CREATE TABLE IF NOT EXISTS squad_members (
		user_id         TEXT PRIMARY KEY,
		squad_id        BIGINT NOT NULL REFERENCES squads(id) ON DELETE CASCADE,
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_squad_members_squad ON squad_members(squad_id, joined_at);

	-- After-action record.
	CREATE TABLE IF NOT EXISTS command_events (
		squad_id        BIGINT NOT NULL REFERENCES squads(id) ON DELETE CASCADE,
		seq             BIGINT NOT NULL,
		kind            TEXT NOT NULL,
		actor_id        TEXT NOT NULL,
		payload         JSONB NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (squad_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_command_events_created ON command_events(squad_id, created_at);

	-- Movement log, throttled by the squad room.
	CREATE TABLE IF NOT EXISTS member_positions (
		squad_id        BIGINT NOT NULL,
		user_id         TEXT NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		recorded_at     TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_member_positions_user ON member_positions(user_id, recorded_at);

	-- Confirmed check-ins, idempotent on the client's dedup token.
	CREATE TABLE IF NOT EXISTS checkins (
		id              BIGSERIAL PRIMARY KEY,
		user_id         TEXT NOT NULL,
		target_id       TEXT NOT NULL,
		dedup_token     TEXT NOT NULL UNIQUE,
		client_ts       TIMESTAMPTZ NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		accuracy_m      DOUBLE PRECISION NOT NULL DEFAULT 0,
		reflection      TEXT NOT NULL DEFAULT '',
		verified        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_checkins_visit ON checkins(user_id, target_id, client_ts DESC);

	CREATE TABLE IF NOT EXISTS journey_progress (
		user_id         TEXT PRIMARY KEY,
		highest_order   INTEGER NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`

	_, err := d.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// ---- Check-ins ----

const checkinColumns = `id, user_id, target_id, dedup_token, client_ts, latitude, longitude,
	accuracy_m, reflection, verified, created_at`

func scanCheckIn(row pgx.Row) (checkin.Confirmed, error) {
	var c checkin.Confirmed
	err := row.Scan(&c.ID, &c.UserID, &c.TargetID, &c.DedupToken, &c.ClientTimestamp,
		&c.Coordinate.Latitude, &c.Coordinate.Longitude, &c.AccuracyMeters, &c.Reflection,
		&c.Verified, &c.CreatedAt)
	return c, err
}

// InsertCheckIn stores c unless its dedup token is already known, in which
// case the stored row is returned with existed set.
func (d *PostgresDB) InsertCheckIn(ctx context.Context, c checkin.Confirmed) (checkin.Confirmed, bool, error) {
	row := d.pool.QueryRow(ctx, `
		INSERT INTO checkins (user_id, target_id, dedup_token, client_ts, latitude, longitude,
			accuracy_m, reflection, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedup_token) DO NOTHING
		RETURNING `+checkinColumns,
		c.UserID, c.TargetID, c.DedupToken, c.ClientTimestamp, c.Coordinate.Latitude, c.Coordinate.Longitude,
		c.AccuracyMeters, c.Reflection, c.Verified, c.CreatedAt)
	stored, err := scanCheckIn(row)
	if err == nil {
		return stored, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return checkin.Confirmed{}, false, fmt.Errorf("insert check-in: %w", err)
	}

	stored, err = scanCheckIn(d.pool.QueryRow(ctx,
		`SELECT `+checkinColumns+` FROM checkins WHERE dedup_token = $1`, c.DedupToken))
	if err != nil {
		return checkin.Confirmed{}, false, fmt.Errorf("load existing check-in: %w", err)
	}
	return stored, true, nil
}

// RecentCheckIn returns the user's latest visit to target since the given
// time, or nil.
func (d *PostgresDB) RecentCheckIn(ctx context.Context, userID, targetID string, since time.Time) (*checkin.Confirmed, error) {
	c, err := scanCheckIn(d.pool.QueryRow(ctx, `
		SELECT `+checkinColumns+` FROM checkins
		WHERE user_id = $1 AND target_id = $2 AND client_ts >= $3
		ORDER BY client_ts DESC
		LIMIT 1`, userID, targetID, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recent check-in: %w", err)
	}
	return &c, nil
}

func (d *PostgresDB) UpdateReflection(ctx context.Context, userID string, id int64, text string) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE checkins SET reflection = $3 WHERE id = $1 AND user_id = $2`, id, userID, text)
	if err != nil {
		return fmt.Errorf("update reflection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", checkin.ErrNotFound, id)
	}
	return nil
}

func (d *PostgresDB) DeleteCheckIn(ctx context.Context, userID string, id int64) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM checkins WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete check-in: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", checkin.ErrNotFound, id)
	}
	return nil
}

// AdvanceProgress raises the user's highest reached target order.
func (d *PostgresDB) AdvanceProgress(ctx context.Context, userID string, order int) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO journey_progress (user_id, highest_order, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			highest_order = GREATEST(journey_progress.highest_order, EXCLUDED.highest_order),
			updated_at = NOW()
	`, userID, order)
	if err != nil {
		return fmt.Errorf("advance progress: %w", err)
	}
	return nil
}

// Progress returns the highest target order the user has reached.
func (d *PostgresDB) Progress(ctx context.Context, userID string) (int, error) {
	var order int
	err := d.pool.QueryRow(ctx,
		`SELECT highest_order FROM journey_progress WHERE user_id = $1`, userID).Scan(&order)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query progress: %w", err)
	}
	return order, nil
}

// ---- Squads ----

func scanSquad(row pgx.Row) (squad.Squad, error) {
	var s squad.Squad
	err := row.Scan(&s.ID, &s.Name, &s.JoinCode, &s.CreatorID, &s.Capacity, &s.CreatedAt)
	return s, err
}

func (d *PostgresDB) CreateSquad(ctx context.Context, s squad.Squad, at time.Time) (squad.Squad, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return squad.Squad{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM squad_members WHERE user_id = $1)`, s.CreatorID).Scan(&exists); err != nil {
		return squad.Squad{}, fmt.Errorf("check membership: %w", err)
	}
	if exists {
		return squad.Squad{}, squad.ErrAlreadyMember
	}

	created, err := scanSquad(tx.QueryRow(ctx, `
		INSERT INTO squads (name, join_code, creator_id, capacity, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, join_code, creator_id, capacity, created_at
	`, s.Name, s.JoinCode, s.CreatorID, s.Capacity, at))
	if isUniqueViolation(err, "squads_join_code_key") {
		return squad.Squad{}, squad.ErrCodeTaken
	}
	if err != nil {
		return squad.Squad{}, fmt.Errorf("insert squad: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO squad_members (user_id, squad_id, joined_at) VALUES ($1, $2, $3)`,
		s.CreatorID, created.ID, at)
	if isUniqueViolation(err, "") {
		return squad.Squad{}, squad.ErrAlreadyMember
	}
	if err != nil {
		return squad.Squad{}, fmt.Errorf("insert creator membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return squad.Squad{}, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// JoinByCode adds the user to a squad. The squad row is locked so capacity
// checks of concurrent joins serialise.
func (d *PostgresDB) JoinByCode(ctx context.Context, code, userID string, at time.Time) (squad.Squad, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return squad.Squad{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanSquad(tx.QueryRow(ctx, `
		SELECT id, name, join_code, creator_id, capacity, created_at
		FROM squads WHERE join_code = $1
		FOR UPDATE`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return squad.Squad{}, fmt.Errorf("%w: %q", squad.ErrUnknownSquad, code)
	}
	if err != nil {
		return squad.Squad{}, fmt.Errorf("lookup squad: %w", err)
	}

	var current int64
	err = tx.QueryRow(ctx, `SELECT squad_id FROM squad_members WHERE user_id = $1`, userID).Scan(&current)
	switch {
	case err == nil && current == s.ID:
		return s, nil
	case err == nil:
		return squad.Squad{}, squad.ErrAlreadyMember
	case !errors.Is(err, pgx.ErrNoRows):
		return squad.Squad{}, fmt.Errorf("check membership: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM squad_members WHERE squad_id = $1`, s.ID).Scan(&count); err != nil {
		return squad.Squad{}, fmt.Errorf("count members: %w", err)
	}
	if count >= s.Capacity {
		return squad.Squad{}, squad.ErrSquadFull
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO squad_members (user_id, squad_id, joined_at) VALUES ($1, $2, $3)`, userID, s.ID, at)
	if isUniqueViolation(err, "") {
		return squad.Squad{}, squad.ErrAlreadyMember
	}
	if err != nil {
		return squad.Squad{}, fmt.Errorf("insert membership: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return squad.Squad{}, fmt.Errorf("commit: %w", err)
	}
	return s, nil
}

func (d *PostgresDB) Leave(ctx context.Context, userID string) (int64, error) {
	var squadID int64
	err := d.pool.QueryRow(ctx,
		`DELETE FROM squad_members WHERE user_id = $1 RETURNING squad_id`, userID).Scan(&squadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, squad.ErrNotMember
	}
	if err != nil {
		return 0, fmt.Errorf("delete membership: %w", err)
	}
	return squadID, nil
}

func (d *PostgresDB) Squad(ctx context.Context, id int64) (*squad.Squad, error) {
	s, err := scanSquad(d.pool.QueryRow(ctx, `
		SELECT id, name, join_code, creator_id, capacity, created_at
		FROM squads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query squad: %w", err)
	}
	return &s, nil
}

func (d *PostgresDB) Members(ctx context.Context, squadID int64) ([]squad.Membership, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT squad_id, user_id, joined_at FROM squad_members
		WHERE squad_id = $1
		ORDER BY joined_at, user_id`, squadID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []squad.Membership
	for rows.Next() {
		var m squad.Membership
		if err := rows.Scan(&m.SquadID, &m.UserID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *PostgresDB) MembershipOf(ctx context.Context, userID string) (*squad.Membership, error) {
	var m squad.Membership
	err := d.pool.QueryRow(ctx,
		`SELECT squad_id, user_id, joined_at FROM squad_members WHERE user_id = $1`, userID).
		Scan(&m.SquadID, &m.UserID, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query membership: %w", err)
	}
	return &m, nil
}

// RecordPosition appends to the movement log.
func (d *PostgresDB) RecordPosition(ctx context.Context, squadID int64, userID string, c geo.Coordinate, at time.Time) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO member_positions (squad_id, user_id, latitude, longitude, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`, squadID, userID, c.Latitude, c.Longitude, at)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// ---- After-action record ----

// Append allocates the squad's next sequence and stores the event in one
// transaction. The UPDATE takes the squad row lock, so appends from any
// number of servers are serialised and gapless.
func (d *PostgresDB) Append(ctx context.Context, squadID int64, actorID string, dr event.Draft) (event.Event, error) {
	if err := dr.Validate(); err != nil {
		return event.Event{}, err
	}
	payload, err := dr.Payload()
	if err != nil {
		return event.Event{}, fmt.Errorf("encode payload: %w", err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE squads SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`, squadID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Event{}, fmt.Errorf("%w: %d", aar.ErrUnknownSquad, squadID)
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("allocate sequence: %w", err)
	}

	var at time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO command_events (squad_id, seq, kind, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`, squadID, seq, string(dr.Kind), actorID, payload).Scan(&at)
	if err != nil {
		return event.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}

	return event.Event{
		SquadID:   squadID,
		Sequence:  uint64(seq),
		Timestamp: at.UTC(),
		ActorID:   actorID,
		Draft:     dr,
	}, nil
}

// Range returns events with from <= seq <= to in order. A non-positive
// limit returns all of them.
func (d *PostgresDB) Range(ctx context.Context, squadID int64, from, to uint64, limit int) ([]event.Event, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := d.pool.Query(ctx, `
		SELECT seq, kind, actor_id, payload, created_at
		FROM command_events
		WHERE squad_id = $1 AND seq BETWEEN $2 AND $3
		ORDER BY seq
		LIMIT $4`, squadID, int64(from), int64(to), lim)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			seq     int64
			kind    string
			payload []byte
			ev      = event.Event{SquadID: squadID}
		)
		if err := rows.Scan(&seq, &kind, &ev.ActorID, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		dr, err := event.DecodeDraft(event.Kind(kind), payload)
		if err != nil {
			return nil, fmt.Errorf("decode event %d/%d: %w", squadID, seq, err)
		}
		ev.Sequence = uint64(seq)
		ev.Timestamp = ev.Timestamp.UTC()
		ev.Draft = dr
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Bounds returns the retained window of the squad's record.
func (d *PostgresDB) Bounds(ctx context.Context, squadID int64) (aar.Bounds, error) {
	var head, floor int64
	err := d.pool.QueryRow(ctx, `
		SELECT s.last_seq,
			COALESCE((SELECT MIN(seq) FROM command_events e WHERE e.squad_id = s.id), s.last_seq + 1)
		FROM squads s WHERE s.id = $1`, squadID).Scan(&head, &floor)
	if errors.Is(err, pgx.ErrNoRows) {
		return aar.Bounds{Floor: 1}, nil
	}
	if err != nil {
		return aar.Bounds{}, fmt.Errorf("query bounds: %w", err)
	}
	return aar.Bounds{Floor: uint64(floor), Head: uint64(head)}, nil
}

// Trim deletes the squad's events recorded before the given time.
func (d *PostgresDB) Trim(ctx context.Context, squadID int64, before time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx,
		`DELETE FROM command_events WHERE squad_id = $1 AND created_at < $2`, squadID, before)
	if err != nil {
		return 0, fmt.Errorf("trim events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SquadIDs lists every squad id in ascending order.
func (d *PostgresDB) SquadIDs(ctx context.Context) ([]int64, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM squads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query squads: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// Counts summarises table sizes for the admin CLI.
type Counts struct {
	Squads   int64
	Members  int64
	CheckIns int64
	Events   int64
}

func (d *PostgresDB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := d.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM squads),
			(SELECT COUNT(*) FROM squad_members),
			(SELECT COUNT(*) FROM checkins),
			(SELECT COUNT(*) FROM command_events)
	`).Scan(&c.Squads, &c.Members, &c.CheckIns, &c.Events)
	if err != nil {
		return Counts{}, fmt.Errorf("query counts: %w", err)
	}
	return c, nil
}
