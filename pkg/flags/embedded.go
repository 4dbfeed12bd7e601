package flags

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/trackkit/mixpanel/pkg/network"
	"github.com/trackkit/mixpanel/pkg/storage"
)

// Fetcher retrieves flag assignments for an evaluation context. Implemented
// by network.Sender.
type Fetcher interface {
	FetchFlags(ctx context.Context, req network.FlagsRequest) (map[string]network.VariantPayload, error)
}

// IdentitySource exposes the identity fields sent with every fetch.
// Implemented by persistent.Persistent.
type IdentitySource interface {
	DistinctID(token string) string
	DeviceID(token string) string
}

// Tracker is the event-tracking entry point used for exposure analytics.
// Implemented by the client facade.
type Tracker interface {
	Track(ctx context.Context, event string, properties map[string]any) error
}

// Settings exposes the configuration the embedded client reads at fetch
// time. Implemented by config.Config.
type Settings interface {
	ServerURL() string
}

func flagsCacheKey(token string) string {
	return "MIXPANEL_" + token + "_FLAGS_CACHE"
}

// EmbeddedClient fetches, caches, and serves feature flags for one token
// without any platform delegate. Safe for concurrent use.
type EmbeddedClient struct {
	token    string
	store    storage.Store
	fetcher  Fetcher
	identity IdentitySource
	tracker  Tracker
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	flags   map[string]Variant
	ready   bool
	context map[string]any
	tracked map[string]struct{}

	fetchCompletedAt time.Time
	fetchLatency     time.Duration
}

// EmbeddedOption configures an EmbeddedClient.
type EmbeddedOption func(*EmbeddedClient)

// WithEmbeddedLogger sets the client's logger.
func WithEmbeddedLogger(l *slog.Logger) EmbeddedOption {
	return func(c *EmbeddedClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithContext seeds the evaluation context merged into every fetch.
func WithContext(context map[string]any) EmbeddedOption {
	return func(c *EmbeddedClient) {
		c.context = maps.Clone(context)
	}
}

// NewEmbeddedClient creates an embedded flags client. Call RestoreCache to
// rehydrate flags persisted by a previous process before the first load.
func NewEmbeddedClient(token string, store storage.Store, fetcher Fetcher, identity IdentitySource, tracker Tracker, settings Settings, opts ...EmbeddedOption) *EmbeddedClient {
	c := &EmbeddedClient{
		token:    token,
		store:    store,
		fetcher:  fetcher,
		identity: identity,
		tracker:  tracker,
		settings: settings,
		logger:   slog.Default(),
		flags:    make(map[string]Variant),
		context:  make(map[string]any),
		tracked:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.context == nil {
		c.context = make(map[string]any)
	}
	return c
}

// RestoreCache loads the persisted flag cache, if any, and marks flags
// ready when a valid cache exists. Failures are logged; flags simply start
// not-ready.
func (c *EmbeddedClient) RestoreCache(ctx context.Context) {
	raw, err := c.store.GetItem(ctx, flagsCacheKey(c.token))
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			c.logger.ErrorContext(ctx, "failed to read flag cache",
				slog.String("token", c.token), slog.Any("error", err))
		}
		return
	}

	cached, err := decodeCache([]byte(raw))
	if err != nil {
		c.logger.ErrorContext(ctx, "discarding corrupt flag cache",
			slog.String("token", c.token), slog.Any("error", err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = cached
	c.ready = true
}

// LoadFlags fetches assignments for the current context and replaces the
// flag map on success (last successful load wins). On failure the previous
// map is kept; flags stay ready if any prior load or cache populated them.
//
// Concurrent calls are not deduplicated; each issues its own request and
// the last response to settle is what later readers observe.
func (c *EmbeddedClient) LoadFlags(ctx context.Context) error {
	c.mu.Lock()
	fetchContext := maps.Clone(c.context)
	c.mu.Unlock()

	started := time.Now()
	payloads, err := c.fetcher.FetchFlags(ctx, network.FlagsRequest{
		Token:      c.token,
		ServerURL:  c.settings.ServerURL(),
		DistinctID: c.identity.DistinctID(c.token),
		DeviceID:   c.identity.DeviceID(c.token),
		Context:    fetchContext,
	})
	completed := time.Now()

	c.mu.Lock()
	c.fetchCompletedAt = completed
	c.fetchLatency = completed.Sub(started)
	if err != nil {
		// Keep serving whatever we already have.
		c.ready = c.ready || len(c.flags) > 0
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "flag fetch failed, keeping cached flags",
			slog.String("token", c.token), slog.Any("error", err))
		return err
	}

	loaded := make(map[string]Variant, len(payloads))
	for name, p := range payloads {
		loaded[name] = variantFromPayload(p)
	}
	c.flags = loaded
	c.ready = true
	c.mu.Unlock()

	c.persistCache(ctx, loaded)
	return nil
}

func (c *EmbeddedClient) persistCache(ctx context.Context, flags map[string]Variant) {
	raw, err := encodeCache(flags)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to serialize flag cache",
			slog.String("token", c.token), slog.Any("error", err))
		return
	}
	if err := c.store.SetItem(ctx, flagsCacheKey(c.token), string(raw)); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist flag cache",
			slog.String("token", c.token), slog.Any("error", err))
	}
}

// AreFlagsReady reports whether any successful load or valid cache has
// populated the flag map.
func (c *EmbeddedClient) AreFlagsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// GetVariantSync returns the variant for name, or fallback when flags are
// not ready or the name is unknown. Never blocks, never touches the
// network. A hit records first-access exposure in the background.
func (c *EmbeddedClient) GetVariantSync(name string, fallback Variant) Variant {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return fallback
	}
	v, ok := c.flags[name]
	if !ok {
		c.mu.Unlock()
		return fallback
	}
	shouldTrack := c.markTracked(name)
	c.mu.Unlock()

	if shouldTrack {
		c.spawnExposureTracking(name, v)
	}
	return v
}

// GetVariantValueSync returns the variant value for name, or fallbackValue.
func (c *EmbeddedClient) GetVariantValueSync(name string, fallbackValue any) any {
	return c.GetVariantSync(name, FallbackVariant(name, fallbackValue)).Value
}

// IsEnabledSync returns the flag's boolean value, or fallback when the flag
// is missing or its value is not a boolean.
func (c *EmbeddedClient) IsEnabledSync(name string, fallback bool) bool {
	v := c.GetVariantValueSync(name, fallback)
	b, ok := v.(bool)
	if !ok {
		c.logger.Error("flag value is not a boolean, returning fallback",
			slog.String("token", c.token), slog.String("flag", name), slog.Any("value", v))
		return fallback
	}
	return b
}

// GetVariant returns the variant for name, loading flags first when they
// are not ready. Falls back instead of failing: a load error with no cache
// yields the fallback.
func (c *EmbeddedClient) GetVariant(ctx context.Context, name string, fallback Variant) Variant {
	if !c.AreFlagsReady() {
		if err := c.LoadFlags(ctx); err != nil && !c.AreFlagsReady() {
			return fallback
		}
	}
	return c.GetVariantSync(name, fallback)
}

// GetVariantValue returns the variant value for name, loading flags first
// when needed.
func (c *EmbeddedClient) GetVariantValue(ctx context.Context, name string, fallbackValue any) any {
	return c.GetVariant(ctx, name, FallbackVariant(name, fallbackValue)).Value
}

// IsEnabled returns the flag's boolean value, loading flags first when
// needed.
func (c *EmbeddedClient) IsEnabled(ctx context.Context, name string, fallback bool) bool {
	v := c.GetVariantValue(ctx, name, fallback)
	b, ok := v.(bool)
	if !ok {
		c.logger.Error("flag value is not a boolean, returning fallback",
			slog.String("token", c.token), slog.String("flag", name), slog.Any("value", v))
		return fallback
	}
	return b
}

// UpdateContext merges (or replaces) the evaluation context, starts a new
// exposure epoch, and reloads flags.
func (c *EmbeddedClient) UpdateContext(ctx context.Context, newContext map[string]any, replace bool) error {
	c.mu.Lock()
	if replace {
		c.context = maps.Clone(newContext)
		if c.context == nil {
			c.context = make(map[string]any)
		}
	} else {
		maps.Copy(c.context, newContext)
	}
	// New context means new exposure epoch.
	c.tracked = make(map[string]struct{})
	c.mu.Unlock()

	return c.LoadFlags(ctx)
}

// ClearCache drops the persisted cache and resets the in-memory state to
// not-ready.
func (c *EmbeddedClient) ClearCache(ctx context.Context) {
	if err := c.store.RemoveItem(ctx, flagsCacheKey(c.token)); err != nil {
		c.logger.ErrorContext(ctx, "failed to remove flag cache",
			slog.String("token", c.token), slog.Any("error", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = make(map[string]Variant)
	c.ready = false
	c.tracked = make(map[string]struct{})
}

// markTracked records the first access of name in the current epoch.
// Returns true exactly once per name per epoch. Caller must hold c.mu.
func (c *EmbeddedClient) markTracked(name string) bool {
	if _, seen := c.tracked[name]; seen {
		return false
	}
	c.tracked[name] = struct{}{}
	return true
}

// spawnExposureTracking fires the $experiment_started event in the
// background. Failures are logged at the spawn site and never reach the
// flag-read caller.
func (c *EmbeddedClient) spawnExposureTracking(name string, v Variant) {
	c.mu.Lock()
	latency := c.fetchLatency
	completedAt := c.fetchCompletedAt
	c.mu.Unlock()

	props := map[string]any{
		"Experiment name":  name,
		"Variant name":     v.Key,
		"$experiment_type": "feature_flag",
	}
	if !completedAt.IsZero() {
		props["Variant fetch start time"] = completedAt.Add(-latency).UTC().Format(time.RFC3339Nano)
		props["Variant fetch complete time"] = completedAt.UTC().Format(time.RFC3339Nano)
		props["Variant fetch latency (ms)"] = latency.Milliseconds()
	}
	if v.ExperimentID != nil {
		props["$experiment_id"] = v.ExperimentID
	}
	if v.IsExperimentActive != nil {
		props["$is_experiment_active"] = *v.IsExperimentActive
	}
	if v.IsQATester != nil {
		props["$is_qa_tester"] = *v.IsQATester
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("exposure tracking panicked",
					slog.String("token", c.token), slog.Any("panic", r))
			}
		}()
		if err := c.tracker.Track(context.Background(), "$experiment_started", props); err != nil {
			c.logger.Error("exposure tracking failed",
				slog.String("token", c.token), slog.String("flag", name), slog.Any("error", err))
		}
	}()
}
