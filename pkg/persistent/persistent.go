package persistent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/trackkit/mixpanel/pkg/storage"
)

// AnonymousPrefix marks a distinct id derived from the device id, i.e. a user
// that has not been identified yet.
const AnonymousPrefix = "$device:"

type identity struct {
	deviceID   string
	distinctID string
	userID     string
}

// Persistent mirrors per-token client state between memory and a
// storage.Store. Safe for concurrent use.
type Persistent struct {
	store  storage.Store
	logger *slog.Logger

	mu         sync.RWMutex
	identities map[string]*identity
	superProps map[string]map[string]any
	timeEvents map[string]map[string]int64
	optedOut   map[string]bool
}

// Option configures a Persistent instance.
type Option func(*Persistent)

// WithLogger sets the logger used for swallowed storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Persistent) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Persistent layer on top of the given store.
func New(store storage.Store, opts ...Option) *Persistent {
	p := &Persistent{
		store:      store,
		logger:     slog.Default(),
		identities: make(map[string]*identity),
		superProps: make(map[string]map[string]any),
		timeEvents: make(map[string]map[string]int64),
		optedOut:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// getItem reads a key, treating both "never written" and storage failures as
// absent. Failures are logged; absence is normal on first run.
func (p *Persistent) getItem(ctx context.Context, token, key string) (string, bool) {
	v, err := p.store.GetItem(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			p.logger.ErrorContext(ctx, "storage read failed, using in-memory default",
				slog.String("token", token), slog.String("key", key), slog.Any("error", err))
		}
		return "", false
	}
	return v, true
}

// setItem writes a key, logging and swallowing failures. The in-memory state
// remains authoritative even when the write never reached the backend.
func (p *Persistent) setItem(ctx context.Context, token, key, value string) {
	if err := p.store.SetItem(ctx, key, value); err != nil {
		p.logger.ErrorContext(ctx, "storage write failed, in-memory state kept",
			slog.String("token", token), slog.String("key", key), slog.Any("error", err))
	}
}

func (p *Persistent) removeItem(ctx context.Context, token, key string) {
	if err := p.store.RemoveItem(ctx, key); err != nil {
		p.logger.ErrorContext(ctx, "storage remove failed",
			slog.String("token", token), slog.String("key", key), slog.Any("error", err))
	}
}

// LoadIdentity loads the identity triple for token, generating and persisting
// a fresh device id and anonymous distinct id when none exist. After it
// returns, DistinctID(token) is never empty.
func (p *Persistent) LoadIdentity(ctx context.Context, token string) {
	deviceID, _ := p.getItem(ctx, token, deviceIDKey(token))
	if deviceID == "" {
		deviceID = uuid.NewString()
		p.setItem(ctx, token, deviceIDKey(token), deviceID)
	}

	distinctID, _ := p.getItem(ctx, token, distinctIDKey(token))
	if distinctID == "" {
		distinctID = AnonymousPrefix + deviceID
		p.setItem(ctx, token, distinctIDKey(token), distinctID)
	}

	userID, _ := p.getItem(ctx, token, userIDKey(token))

	p.mu.Lock()
	p.identities[token] = &identity{
		deviceID:   deviceID,
		distinctID: distinctID,
		userID:     userID,
	}
	p.mu.Unlock()
}

// PersistIdentity writes the current identity triple to storage.
func (p *Persistent) PersistIdentity(ctx context.Context, token string) {
	p.mu.RLock()
	id := p.identities[token]
	if id == nil {
		p.mu.RUnlock()
		return
	}
	cp := *id
	p.mu.RUnlock()

	if cp.deviceID != "" {
		p.setItem(ctx, token, deviceIDKey(token), cp.deviceID)
	}
	if cp.distinctID != "" {
		p.setItem(ctx, token, distinctIDKey(token), cp.distinctID)
	}
	if cp.userID != "" {
		p.setItem(ctx, token, userIDKey(token), cp.userID)
	}
}

// DeviceID returns the stable device id for token, or "" before LoadIdentity.
func (p *Persistent) DeviceID(token string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id := p.identities[token]; id != nil {
		return id.deviceID
	}
	return ""
}

// DistinctID returns the effective identity for token.
func (p *Persistent) DistinctID(token string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id := p.identities[token]; id != nil {
		return id.distinctID
	}
	return ""
}

// UserID returns the identified user id, or "" before Identify.
func (p *Persistent) UserID(token string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id := p.identities[token]; id != nil {
		return id.userID
	}
	return ""
}

// IsIdentified reports whether Identify has set an external user id.
func (p *Persistent) IsIdentified(token string) bool {
	return p.UserID(token) != ""
}

// UpdateDistinctID replaces the in-memory distinct id.
func (p *Persistent) UpdateDistinctID(token, distinctID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id := p.identities[token]; id != nil {
		id.distinctID = distinctID
	}
}

// UpdateUserID replaces the in-memory user id.
func (p *Persistent) UpdateUserID(token, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id := p.identities[token]; id != nil {
		id.userID = userID
	}
}

// LoadSuperProperties loads the super-property map, defaulting to empty on a
// missing key or unreadable payload.
func (p *Persistent) LoadSuperProperties(ctx context.Context, token string) {
	props := make(map[string]any)
	if raw, ok := p.getItem(ctx, token, superPropsKey(token)); ok {
		if err := json.Unmarshal([]byte(raw), &props); err != nil {
			p.logger.ErrorContext(ctx, "corrupt super properties snapshot, starting empty",
				slog.String("token", token), slog.Any("error", err))
			props = make(map[string]any)
		}
	}

	p.mu.Lock()
	p.superProps[token] = props
	p.mu.Unlock()
}

// SuperProperties returns a copy of the current super-property map.
func (p *Persistent) SuperProperties(token string) map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.superProps[token])
}

// UpdateSuperProperties replaces the in-memory super-property map.
func (p *Persistent) UpdateSuperProperties(token string, props map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.superProps[token] = maps.Clone(props)
}

// PersistSuperProperties writes the super-property map to storage.
func (p *Persistent) PersistSuperProperties(ctx context.Context, token string) {
	props := p.SuperProperties(token)
	if props == nil {
		return
	}
	raw, err := json.Marshal(props)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to serialize super properties",
			slog.String("token", token), slog.Any("error", err))
		return
	}
	p.setItem(ctx, token, superPropsKey(token), string(raw))
}

// LoadTimeEvents loads the timed-event markers, defaulting to empty.
func (p *Persistent) LoadTimeEvents(ctx context.Context, token string) {
	events := make(map[string]int64)
	if raw, ok := p.getItem(ctx, token, timeEventsKey(token)); ok {
		if err := json.Unmarshal([]byte(raw), &events); err != nil {
			p.logger.ErrorContext(ctx, "corrupt time events snapshot, starting empty",
				slog.String("token", token), slog.Any("error", err))
			events = make(map[string]int64)
		}
	}

	p.mu.Lock()
	p.timeEvents[token] = events
	p.mu.Unlock()
}

// TimeEvents returns a copy of the event-name to start-timestamp map.
func (p *Persistent) TimeEvents(token string) map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.timeEvents[token])
}

// UpdateTimeEvents replaces the in-memory timed-event markers.
func (p *Persistent) UpdateTimeEvents(token string, events map[string]int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeEvents[token] = maps.Clone(events)
}

// PersistTimeEvents writes the timed-event markers to storage.
func (p *Persistent) PersistTimeEvents(ctx context.Context, token string) {
	events := p.TimeEvents(token)
	if events == nil {
		return
	}
	raw, err := json.Marshal(events)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to serialize time events",
			slog.String("token", token), slog.Any("error", err))
		return
	}
	p.setItem(ctx, token, timeEventsKey(token), string(raw))
}

// LoadOptOut loads the opt-out flag, defaulting to false.
func (p *Persistent) LoadOptOut(ctx context.Context, token string) {
	raw, _ := p.getItem(ctx, token, optOutKey(token))

	p.mu.Lock()
	p.optedOut[token] = raw == "true"
	p.mu.Unlock()
}

// OptedOut reports whether tracking is suppressed for token.
func (p *Persistent) OptedOut(token string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.optedOut[token]
}

// UpdateOptedOut replaces the in-memory opt-out flag.
func (p *Persistent) UpdateOptedOut(token string, optedOut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.optedOut[token] = optedOut
}

// PersistOptedOut writes the opt-out flag to storage.
func (p *Persistent) PersistOptedOut(ctx context.Context, token string) {
	v := "false"
	if p.OptedOut(token) {
		v = "true"
	}
	p.setItem(ctx, token, optOutKey(token), v)
}

// LoadQueue reads the persisted snapshot for one (token, stream) queue.
// A missing or corrupt snapshot yields an empty queue.
func (p *Persistent) LoadQueue(ctx context.Context, token, stream string) []map[string]any {
	raw, ok := p.getItem(ctx, token, queueKey(token, stream))
	if !ok {
		return []map[string]any{}
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		p.logger.ErrorContext(ctx, "corrupt queue snapshot, starting empty",
			slog.String("token", token), slog.String("stream", stream), slog.Any("error", err))
		return []map[string]any{}
	}
	return items
}

// SaveQueue writes the full serialized queue for one (token, stream) pair.
func (p *Persistent) SaveQueue(ctx context.Context, token, stream string, items []map[string]any) {
	raw, err := json.Marshal(items)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to serialize queue",
			slog.String("token", token), slog.String("stream", stream), slog.Any("error", err))
		return
	}
	p.setItem(ctx, token, queueKey(token, stream), string(raw))
}

// Reset deletes the identity, super properties, and timed-event markers for
// token and regenerates a fresh anonymous identity. Queues and the flag
// cache are deliberately retained; their lifecycle belongs to their owners.
func (p *Persistent) Reset(ctx context.Context, token string) {
	p.removeItem(ctx, token, deviceIDKey(token))
	p.removeItem(ctx, token, distinctIDKey(token))
	p.removeItem(ctx, token, userIDKey(token))
	p.removeItem(ctx, token, superPropsKey(token))
	p.removeItem(ctx, token, timeEventsKey(token))

	p.mu.Lock()
	delete(p.identities, token)
	p.mu.Unlock()

	p.LoadIdentity(ctx, token)
	p.LoadSuperProperties(ctx, token)
	p.LoadTimeEvents(ctx, token)
}
