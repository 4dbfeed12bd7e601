package queue

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// cloneRecords copies the slice and every record map so callers never share
// mutable state with the live queue. Serialization and delivery may run
// concurrently with RewriteIdentity, which mutates records in place.
func cloneRecords(items []map[string]any) []map[string]any {
	cloned := make([]map[string]any, len(items))
	for i, item := range items {
		cloned[i] = maps.Clone(item)
	}
	return cloned
}

// SnapshotStore persists full queue snapshots. Implemented by the persistent
// layer; failures are handled (logged and swallowed) on that side.
type SnapshotStore interface {
	LoadQueue(ctx context.Context, token, stream string) []map[string]any
	SaveQueue(ctx context.Context, token, stream string, items []map[string]any)
}

// Manager owns the in-memory queues for all tokens and mirrors every
// mutation to the snapshot store. Safe for concurrent use, but concurrent
// mutations for the same (token, stream) are last-write-wins in storage.
type Manager struct {
	snapshots SnapshotStore
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string]map[Stream][]map[string]any
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager backed by the given snapshot store.
func NewManager(snapshots SnapshotStore, opts ...Option) *Manager {
	m := &Manager{
		snapshots: snapshots,
		logger:    slog.Default(),
		queues:    make(map[string]map[Stream][]map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads the persisted snapshot for (token, stream) into memory.
// A no-op if the queue is already initialized, so restarts and repeated
// client construction never clobber live buffers.
func (m *Manager) Initialize(ctx context.Context, token string, stream Stream) {
	m.mu.Lock()
	if _, ok := m.queues[token][stream]; ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// Load outside the lock; storage reads may be slow.
	items := m.snapshots.LoadQueue(ctx, token, stream.StorageName())

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[token][stream]; ok {
		return
	}
	if m.queues[token] == nil {
		m.queues[token] = make(map[Stream][]map[string]any)
	}
	m.queues[token][stream] = items
}

// Enqueue appends item at the back of the queue and persists the full
// serialized queue. An uninitialized queue starts empty.
func (m *Manager) Enqueue(ctx context.Context, token string, stream Stream, item map[string]any) {
	m.mu.Lock()
	if m.queues[token] == nil {
		m.queues[token] = make(map[Stream][]map[string]any)
	}
	m.queues[token][stream] = append(m.queues[token][stream], item)
	snapshot := cloneRecords(m.queues[token][stream])
	m.mu.Unlock()

	m.snapshots.SaveQueue(ctx, token, stream.StorageName(), snapshot)
}

// GetQueue returns a deep snapshot copy of the queue, never the live
// backing slice or its record maps, so callers cannot mutate queue state
// from outside and may read records while the queue changes underneath.
func (m *Manager) GetQueue(token string, stream Stream) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[token][stream]
	if !ok {
		return []map[string]any{}
	}
	return cloneRecords(q)
}

// SpliceQueue removes count items starting at start and persists the result.
// Used to drop sent batches (start=0, count=len(batch)) and poisoned head
// items (start=0, count=1). Out-of-range arguments are clamped.
func (m *Manager) SpliceQueue(ctx context.Context, token string, stream Stream, start, count int) {
	m.mu.Lock()
	q, ok := m.queues[token][stream]
	if !ok {
		m.mu.Unlock()
		return
	}

	if start < 0 {
		start = 0
	}
	if start > len(q) {
		start = len(q)
	}
	end := start + count
	if end > len(q) {
		end = len(q)
	}
	m.queues[token][stream] = slices.Delete(q, start, end)
	snapshot := cloneRecords(m.queues[token][stream])
	m.mu.Unlock()

	m.snapshots.SaveQueue(ctx, token, stream.StorageName(), snapshot)
}

// ClearQueue empties the queue and persists the empty snapshot.
func (m *Manager) ClearQueue(ctx context.Context, token string, stream Stream) {
	m.mu.Lock()
	if _, ok := m.queues[token][stream]; !ok {
		m.mu.Unlock()
		return
	}
	m.queues[token][stream] = []map[string]any{}
	m.mu.Unlock()

	m.snapshots.SaveQueue(ctx, token, stream.StorageName(), []map[string]any{})
}

// RewriteIdentity updates the identity fields on every pending profile
// record so updates queued before Identify are attributed to the new
// identity. Persists only when something actually changed.
func (m *Manager) RewriteIdentity(ctx context.Context, token, distinctID, deviceID, userID string) {
	m.mu.Lock()
	q, ok := m.queues[token][StreamProfile]
	if !ok {
		m.mu.Unlock()
		return
	}

	changed := false
	for _, record := range q {
		if distinctID != "" && record["$distinct_id"] != distinctID {
			record["$distinct_id"] = distinctID
			changed = true
		}
		if deviceID != "" && record["$device_id"] != deviceID {
			record["$device_id"] = deviceID
			changed = true
		}
		if userID != "" && record["$user_id"] != userID {
			record["$user_id"] = userID
			changed = true
		}
	}
	snapshot := cloneRecords(q)
	m.mu.Unlock()

	if changed {
		m.snapshots.SaveQueue(ctx, token, StreamProfile.StorageName(), snapshot)
	}
}
