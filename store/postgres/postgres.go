// Package postgres implements relay.ContextStore on PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/relay"
)

// Store keeps one JSONB ContextSnapshot per session.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

type pgConfig struct {
	table  string
	logger *slog.Logger
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithTable overrides the table name (default "relay_tool_contexts").
// The name is interpolated into SQL and must be a trusted identifier.
func WithTable(name string) Option {
	return func(c *pgConfig) { c.table = name }
}

// WithLogger sets a structured logger for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(c *pgConfig) { c.logger = l }
}

var _ relay.ContextStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	cfg := pgConfig{table: "relay_tool_contexts"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Init creates the table and its updated_at index.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.cfg.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_updated_idx ON %s (updated_at DESC)`, s.cfg.table, s.cfg.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveContext(ctx context.Context, sessionID string, snap relay.ContextSnapshot) error {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot %s: %w", sessionID, err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (session_id, snapshot, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		s.cfg.table), sessionID, data)
	if err != nil {
		return fmt.Errorf("postgres: save context %s: %w", sessionID, err)
	}
	s.cfg.logger.Debug("postgres: save context", "session_id", sessionID, "bytes", len(data), "duration", time.Since(start))
	return nil
}

func (s *Store) LoadContext(ctx context.Context, sessionID string) (relay.ContextSnapshot, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT snapshot FROM %s WHERE session_id = $1`, s.cfg.table),
		sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.ContextSnapshot{}, false, nil
	}
	if err != nil {
		return relay.ContextSnapshot{}, false, fmt.Errorf("postgres: load context %s: %w", sessionID, err)
	}
	var snap relay.ContextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return relay.ContextSnapshot{}, false, fmt.Errorf("postgres: decode snapshot %s: %w", sessionID, err)
	}
	s.cfg.logger.Debug("postgres: load context", "session_id", sessionID, "history", len(snap.History))
	return snap, true, nil
}

func (s *Store) DeleteContext(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE session_id = $1`, s.cfg.table), sessionID)
	if err != nil {
		return fmt.Errorf("postgres: delete context %s: %w", sessionID, err)
	}
	return nil
}

// Sessions lists stored session IDs, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT session_id FROM %s ORDER BY updated_at DESC, session_id`, s.cfg.table))
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	return ids, nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error {
	return nil
}
