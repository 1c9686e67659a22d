package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MaxExecutionHistory caps the execution history of a ToolContext.
// The oldest record is evicted first.
const MaxExecutionHistory = 1000

// DefaultSessionID is the reserved key used when a run names no session.
const DefaultSessionID = "default"

// ExecutionRecord describes one tool invocation. Records are stored by value
// and copied out, so they cannot be changed after being appended.
type ExecutionRecord struct {
	Tool      string        `json:"tool"`
	CallID    string        `json:"call_id"`
	Input     string        `json:"input"`
	Output    string        `json:"output,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// ToolStats summarizes the retained execution history.
type ToolStats struct {
	Total         int
	Successes     int
	Failures      int
	TotalDuration time.Duration
	AvgDuration   time.Duration
	ByTool        map[string]int
}

// ToolContext is the per-session state shared by every tool call in a run.
//
// Individual map operations are safe for concurrent use. Read-modify-write
// sequences that must be atomic need Lock or WithLock.
type ToolContext struct {
	ID        string
	CreatedAt time.Time

	mu       sync.RWMutex
	metadata map[string]any
	values   map[string]any
	shared   map[string]any
	history  []ExecutionRecord // ring buffer, len <= MaxExecutionHistory
	head     int               // index of the oldest record once full

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewToolContext creates an empty context with a fresh UUIDv7 identity.
func NewToolContext() *ToolContext {
	return &ToolContext{
		ID:        NewID(),
		CreatedAt: time.Now().UTC(),
		metadata:  make(map[string]any),
		values:    make(map[string]any),
		shared:    make(map[string]any),
		locks:     make(map[string]*sync.Mutex),
	}
}

// --- values ---

func (c *ToolContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *ToolContext) Set(key string, v any) {
	c.mu.Lock()
	c.values[key] = v
	c.mu.Unlock()
}

func (c *ToolContext) Delete(key string) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
}

// Keys returns the value-store keys in sorted order.
func (c *ToolContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.values))
}

// --- shared memory ---

// Shared reads from the memory visible to every tool in the context.
func (c *ToolContext) Shared(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.shared[key]
	return v, ok
}

func (c *ToolContext) SetShared(key string, v any) {
	c.mu.Lock()
	c.shared[key] = v
	c.mu.Unlock()
}

// --- metadata ---

func (c *ToolContext) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

func (c *ToolContext) SetMetadata(key string, v any) {
	c.mu.Lock()
	c.metadata[key] = v
	c.mu.Unlock()
}

// --- locks ---

// Lock acquires the mutex for key, creating it on first use, and returns the
// function that releases it. Lock mutexes live as long as the context.
func (c *ToolContext) Lock(key string) (unlock func()) {
	c.locksMu.Lock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	c.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

// WithLock runs fn while holding the lock for key.
func (c *ToolContext) WithLock(key string, fn func() error) error {
	unlock := c.Lock(key)
	defer unlock()
	return fn()
}

// --- history ---

// Record appends rec to the execution history, evicting the oldest record
// when the history is full.
func (c *ToolContext) Record(rec ExecutionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) < MaxExecutionHistory {
		c.history = append(c.history, rec)
		return
	}
	c.history[c.head] = rec
	c.head = (c.head + 1) % MaxExecutionHistory
}

// History returns a copy of the execution history, oldest first.
func (c *ToolContext) History() []ExecutionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.historyLocked()
}

func (c *ToolContext) historyLocked() []ExecutionRecord {
	out := make([]ExecutionRecord, 0, len(c.history))
	out = append(out, c.history[c.head:]...)
	out = append(out, c.history[:c.head]...)
	return out
}

// Stats summarizes the retained history.
func (c *ToolContext) Stats() ToolStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := ToolStats{ByTool: make(map[string]int)}
	for _, rec := range c.history {
		s.Total++
		if rec.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		s.TotalDuration += rec.Duration
		s.ByTool[rec.Tool]++
	}
	if s.Total > 0 {
		s.AvgDuration = s.TotalDuration / time.Duration(s.Total)
	}
	return s
}

// --- export / import ---

// ContextSnapshot is the serializable form of a ToolContext. Locks are not
// exported. Values must be JSON-encodable to round-trip through a ContextStore.
type ContextSnapshot struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Values    map[string]any    `json:"values,omitempty"`
	Shared    map[string]any    `json:"shared,omitempty"`
	History   []ExecutionRecord `json:"history,omitempty"`
}

func (c *ToolContext) Snapshot() ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ContextSnapshot{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		Metadata:  maps.Clone(c.metadata),
		Values:    maps.Clone(c.values),
		Shared:    maps.Clone(c.shared),
		History:   c.historyLocked(),
	}
}

// RestoreContext rebuilds a ToolContext from a snapshot. History beyond
// MaxExecutionHistory keeps only the newest records.
func RestoreContext(snap ContextSnapshot) *ToolContext {
	c := NewToolContext()
	if snap.ID != "" {
		c.ID = snap.ID
	}
	if !snap.CreatedAt.IsZero() {
		c.CreatedAt = snap.CreatedAt
	}
	maps.Copy(c.metadata, snap.Metadata)
	maps.Copy(c.values, snap.Values)
	maps.Copy(c.shared, snap.Shared)
	hist := snap.History
	if len(hist) > MaxExecutionHistory {
		hist = hist[len(hist)-MaxExecutionHistory:]
	}
	c.history = append(make([]ExecutionRecord, 0, len(hist)), hist...)
	return c
}

// MarshalJSON encodes the context as its snapshot.
func (c *ToolContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// --- ContextManager ---

// ContextManager maps session ids to ToolContexts. Contexts are created on
// first use; the empty session id resolves to DefaultSessionID, which is an
// ordinary entry.
type ContextManager struct {
	mu       sync.RWMutex
	contexts map[string]*ToolContext
	store    ContextStore
	logger   *slog.Logger
}

// ContextManagerOption configures a ContextManager.
type ContextManagerOption func(*ContextManager)

// WithContextStore persists contexts: Get restores a stored snapshot on first
// use, Save writes one, Delete removes it.
func WithContextStore(s ContextStore) ContextManagerOption {
	return func(m *ContextManager) { m.store = s }
}

// WithContextLogger sets the logger used for store diagnostics.
func WithContextLogger(l *slog.Logger) ContextManagerOption {
	return func(m *ContextManager) { m.logger = l }
}

func NewContextManager(opts ...ContextManagerOption) *ContextManager {
	m := &ContextManager{contexts: make(map[string]*ToolContext)}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

func sessionKey(id string) string {
	if id == "" {
		return DefaultSessionID
	}
	return id
}

// Get returns the context for sessionID, creating it (or restoring it from
// the store) on first use.
func (m *ContextManager) Get(ctx context.Context, sessionID string) (*ToolContext, error) {
	key := sessionKey(sessionID)

	m.mu.RLock()
	c, ok := m.contexts[key]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	// Load outside the registry lock. If another caller inserted the
	// session meanwhile, theirs wins.
	c = NewToolContext()
	if m.store != nil {
		snap, found, err := m.store.LoadContext(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			c = RestoreContext(snap)
			m.logger.Debug("context restored", "session", key, "history", len(snap.History))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.contexts[key]; ok {
		return existing, nil
	}
	m.contexts[key] = c
	return c, nil
}

// Save persists the session's context. It is a no-op without a store or when
// the session has no live context.
func (m *ContextManager) Save(ctx context.Context, sessionID string) error {
	if m.store == nil {
		return nil
	}
	key := sessionKey(sessionID)
	m.mu.RLock()
	c, ok := m.contexts[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.store.SaveContext(ctx, key, c.Snapshot())
}

// Delete drops the session's context and its persisted copy.
func (m *ContextManager) Delete(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)
	m.mu.Lock()
	delete(m.contexts, key)
	m.mu.Unlock()
	if m.store != nil {
		return m.store.DeleteContext(ctx, key)
	}
	return nil
}

// Sessions returns the live session ids in sorted order.
func (m *ContextManager) Sessions() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *ContextManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}
