package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the audit tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ NOT NULL,
    final_state      TEXT NOT NULL,
    error            TEXT NOT NULL DEFAULT '',
    frames_captured  BIGINT NOT NULL DEFAULT 0,
    frames_sent      BIGINT NOT NULL DEFAULT 0,
    frames_dropped   BIGINT NOT NULL DEFAULT 0,
    chunks_scheduled BIGINT NOT NULL DEFAULT 0,
    codec_errors     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_user ON voice_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_started ON voice_sessions(started_at);

CREATE TABLE IF NOT EXISTS voice_commands (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ NOT NULL,
    utterance_ms BIGINT NOT NULL DEFAULT 0,
    latency_ms   BIGINT NOT NULL DEFAULT 0,
    truncated    BOOLEAN NOT NULL DEFAULT false,
    success      BOOLEAN NOT NULL DEFAULT false,
    transcript   TEXT NOT NULL DEFAULT '',
    action_taken TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_voice_commands_user ON voice_commands(user_id);
CREATE INDEX IF NOT EXISTS idx_voice_commands_started ON voice_commands(started_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling [PostgresStore.Migrate]
// to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a connection pool to dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL against the database, creating the
// audit tables and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("audit: ping: %w", err)
	}
	return nil
}

// RecordSession implements [Store]. Recording the same session twice keeps
// the first row.
func (s *PostgresStore) RecordSession(ctx context.Context, rec SessionRecord) error {
	const query = `
		INSERT INTO voice_sessions
		    (id, user_id, started_at, ended_at, final_state, error,
		     frames_captured, frames_sent, frames_dropped, chunks_scheduled, codec_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UserID, rec.StartedAt, rec.EndedAt, rec.FinalState, rec.Error,
		rec.FramesCaptured, rec.FramesSent, rec.FramesDropped, rec.ChunksScheduled, rec.CodecErrors,
	)
	if err != nil {
		return fmt.Errorf("audit: record session %q: %w", rec.ID, err)
	}
	return nil
}

// RecordCommand implements [Store].
func (s *PostgresStore) RecordCommand(ctx context.Context, rec CommandRecord) error {
	const query = `
		INSERT INTO voice_commands
		    (id, user_id, started_at, utterance_ms, latency_ms, truncated,
		     success, transcript, action_taken, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UserID, rec.StartedAt, rec.Utterance.Milliseconds(), rec.Latency.Milliseconds(),
		rec.Truncated, rec.Success, rec.Transcript, rec.ActionTaken, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("audit: record command %q: %w", rec.ID, err)
	}
	return nil
}

// RecentSessions implements [Store].
func (s *PostgresStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	const query = `
		SELECT id, user_id, started_at, ended_at, final_state, error,
		       frames_captured, frames_sent, frames_dropped, chunks_scheduled, codec_errors
		FROM voice_sessions
		ORDER BY started_at DESC
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("audit: recent sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.StartedAt, &r.EndedAt, &r.FinalState, &r.Error,
			&r.FramesCaptured, &r.FramesSent, &r.FramesDropped, &r.ChunksScheduled, &r.CodecErrors,
		); err != nil {
			return nil, fmt.Errorf("audit: recent sessions scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: recent sessions: %w", err)
	}
	return out, nil
}

// RecentCommands implements [Store].
func (s *PostgresStore) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	const query = `
		SELECT id, user_id, started_at, utterance_ms, latency_ms, truncated,
		       success, transcript, action_taken, error
		FROM voice_commands
		ORDER BY started_at DESC
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("audit: recent commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			r                      CommandRecord
			utteranceMs, latencyMs int64
		)
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.StartedAt, &utteranceMs, &latencyMs, &r.Truncated,
			&r.Success, &r.Transcript, &r.ActionTaken, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("audit: recent commands scan: %w", err)
		}
		r.Utterance = msDuration(utteranceMs)
		r.Latency = msDuration(latencyMs)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: recent commands: %w", err)
	}
	return out, nil
}

// limitOrAll maps a non-positive limit to NULL, which Postgres treats as
// LIMIT ALL.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
