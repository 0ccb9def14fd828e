// Package postgres provides a PostgreSQL implementation of audit.Store
// using pgx/v5 connection pooling.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/kapsel/pkg/audit"
)

// Store is a PostgreSQL-backed audit.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements audit.Store at compile time.
var _ audit.Store = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

const selectColumns = `
	id, user_id, session_id, worker_id, outcome, error_kind, error,
	stderr_tail, event_count, started_at, duration_ms`

// Save inserts a record.
func (s *Store) Save(ctx context.Context, rec *audit.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, user_id, session_id, worker_id, outcome, error_kind, error,
			stderr_tail, event_count, started_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.ID, rec.UserID, rec.SessionID, rec.WorkerID, string(rec.Outcome), rec.ErrorKind, rec.Error,
		rec.StderrTail, rec.EventCount, rec.StartedAt, rec.Duration.Milliseconds(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return audit.ErrConflict
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*audit.Record, error) {
	row := s.pool.QueryRow(ctx, "SELECT"+selectColumns+" FROM executions WHERE id = $1", id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return rec, nil
}

// ListByUser returns the newest records of userID.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*audit.Record, error) {
	if limit <= 0 {
		limit = audit.DefaultListLimit
	}

	rows, err := s.pool.Query(ctx,
		"SELECT"+selectColumns+" FROM executions WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*audit.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return out, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*audit.Record, error) {
	var (
		rec        audit.Record
		outcome    string
		durationMS int64
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.SessionID, &rec.WorkerID, &outcome, &rec.ErrorKind, &rec.Error,
		&rec.StderrTail, &rec.EventCount, &rec.StartedAt, &durationMS,
	); err != nil {
		return nil, err
	}
	rec.Outcome = audit.Outcome(outcome)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return &rec, nil
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
