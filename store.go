package relay

import "context"

// ContextStore persists ToolContext snapshots so a session can resume after
// a restart. Implementations live in store/sqlite and store/postgres.
type ContextStore interface {
	// SaveContext upserts the snapshot for sessionID.
	SaveContext(ctx context.Context, sessionID string, snap ContextSnapshot) error
	// LoadContext returns the stored snapshot. found is false when nothing is stored.
	LoadContext(ctx context.Context, sessionID string) (snap ContextSnapshot, found bool, err error)
	// DeleteContext removes the stored snapshot. Deleting a missing session is not an error.
	DeleteContext(ctx context.Context, sessionID string) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
