package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id               TEXT PRIMARY KEY,
	chat_id          TEXT NOT NULL DEFAULT '',
	caller_id        TEXT NOT NULL,
	receiver_id      TEXT NOT NULL,
	status           TEXT NOT NULL,
	offer            JSONB,
	answer           JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	duration_seconds BIGINT
);
CREATE INDEX IF NOT EXISTS calls_chat_id_created_at ON calls (chat_id, created_at DESC);
`

const selectColumns = `id, chat_id, caller_id, receiver_id, status, offer, answer,
	created_at, started_at, ended_at, duration_seconds`

// PostgresStore persists call records in a Postgres table through the pgx
// database/sql driver.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an already-open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the calls table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create calls table: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, chat_id, caller_id, receiver_id, status, offer, answer,
			created_at, started_at, ended_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.ID, rec.ChatID, rec.CallerID, rec.ReceiverID, string(rec.Status),
		nullJSON(rec.Offer), nullJSON(rec.Answer),
		rec.CreatedAt, rec.StartedAt, rec.EndedAt, rec.DurationSeconds,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM calls WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *PostgresStore) FindByRoomOrID(ctx context.Context, key string) (*Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM calls
		WHERE id = $1 OR chat_id = $1
		ORDER BY (id = $1) DESC, created_at DESC
		LIMIT 1
	`, key)
	return scanRecord(row)
}

// UpdateByRoomOrID locks the matching row for the duration of the
// read-modify-write.
func (s *PostgresStore) UpdateByRoomOrID(ctx context.Context, key string, p Patch) (*Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM calls
		WHERE id = $1 OR chat_id = $1
		ORDER BY (id = $1) DESC, created_at DESC
		LIMIT 1
		FOR UPDATE
	`, key)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	if err := rec.Apply(p); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE calls
		SET status = $2, offer = $3, answer = $4, started_at = $5, ended_at = $6, duration_seconds = $7
		WHERE id = $1
	`,
		rec.ID, string(rec.Status), nullJSON(rec.Offer), nullJSON(rec.Answer),
		rec.StartedAt, rec.EndedAt, rec.DurationSeconds,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		status    string
		offer     []byte
		answer    []byte
		startedAt sql.NullTime
		endedAt   sql.NullTime
		duration  sql.NullInt64
	)
	err := row.Scan(
		&rec.ID,
		&rec.ChatID,
		&rec.CallerID,
		&rec.ReceiverID,
		&status,
		&offer,
		&answer,
		&rec.CreatedAt,
		&startedAt,
		&endedAt,
		&duration,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rec.Status = Status(status)
	if len(offer) > 0 {
		rec.Offer = json.RawMessage(offer)
	}
	if len(answer) > 0 {
		rec.Answer = json.RawMessage(answer)
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		rec.DurationSeconds = &d
	}
	return &rec, nil
}

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
