// Package sqlite implements relay.ContextStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/relay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation with timing
// and the session ID. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store keeps one JSON-encoded ContextSnapshot per session in a local
// SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ relay.ContextStore = (*Store)(nil)

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Store using a local SQLite file at dbPath.
// All goroutines serialize through a single connection so concurrent
// writers never hit SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the tool_contexts table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tool_contexts (
		session_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: create tool_contexts: %w", err)
	}
	s.logger.Debug("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) SaveContext(ctx context.Context, sessionID string, snap relay.ContextSnapshot) error {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlite: encode snapshot %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_contexts (session_id, snapshot, updated_at) VALUES (?, ?, ?)`,
		sessionID, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save context %s: %w", sessionID, err)
	}
	s.logger.Debug("sqlite: save context", "session_id", sessionID, "bytes", len(data), "duration", time.Since(start))
	return nil
}

func (s *Store) LoadContext(ctx context.Context, sessionID string) (relay.ContextSnapshot, bool, error) {
	start := time.Now()
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM tool_contexts WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: load context", "session_id", sessionID, "found", false, "duration", time.Since(start))
		return relay.ContextSnapshot{}, false, nil
	}
	if err != nil {
		return relay.ContextSnapshot{}, false, fmt.Errorf("sqlite: load context %s: %w", sessionID, err)
	}
	var snap relay.ContextSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return relay.ContextSnapshot{}, false, fmt.Errorf("sqlite: decode snapshot %s: %w", sessionID, err)
	}
	s.logger.Debug("sqlite: load context", "session_id", sessionID, "found", true, "duration", time.Since(start))
	return snap, true, nil
}

func (s *Store) DeleteContext(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_contexts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete context %s: %w", sessionID, err)
	}
	s.logger.Debug("sqlite: delete context", "session_id", sessionID)
	return nil
}

// Sessions lists stored session IDs, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM tool_contexts ORDER BY updated_at DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
