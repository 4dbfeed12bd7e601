package mixpanel

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/trackkit/mixpanel/pkg/config"
	"github.com/trackkit/mixpanel/pkg/engine"
	"github.com/trackkit/mixpanel/pkg/flags"
	"github.com/trackkit/mixpanel/pkg/logger"
	"github.com/trackkit/mixpanel/pkg/network"
	"github.com/trackkit/mixpanel/pkg/persistent"
	"github.com/trackkit/mixpanel/pkg/queue"
	"github.com/trackkit/mixpanel/pkg/storage"
)

// Version is the SDK version reported as $lib_version on every event.
const Version = "1.0.0"

// Client is the per-token entry point of the SDK. All methods are safe for
// concurrent use.
type Client struct {
	token   string
	cfg     *config.Config
	store   storage.Store
	state   *persistent.Persistent
	queues  *queue.Manager
	sender  *network.Sender
	engine  *engine.Engine
	flags   *flags.Flags
	session *sessionMetadata
	logger  *slog.Logger
}

// New creates a Client for token, loads its persisted state, and starts the
// recurring flush cycle. The context bounds the client's lifetime: canceling
// it stops the flush scheduler.
func New(ctx context.Context, token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrEmptyToken
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.New()
	}
	if o.serverURL != "" {
		o.cfg.SetServerURL(o.serverURL)
	}
	if o.logger == nil {
		if o.cfg.LoggingEnabled() {
			o.logger = logger.New()
		} else {
			o.logger = logger.Discard()
		}
	}
	if o.store == nil {
		o.store = storage.NewMemoryStore()
	}

	c := &Client{
		token:   token,
		cfg:     o.cfg,
		store:   o.store,
		session: newSessionMetadata(),
		logger:  o.logger,
	}
	c.state = persistent.New(o.store, persistent.WithLogger(o.logger))
	c.queues = queue.NewManager(c.state, queue.WithLogger(o.logger))

	senderOpts := []network.SenderOption{network.WithSenderLogger(o.logger)}
	if o.httpClient != nil {
		senderOpts = append(senderOpts, network.WithHTTPClient(o.httpClient))
	}
	c.sender = network.NewSender(senderOpts...)
	c.engine = engine.New(c.sender, c.queues, c.state, c.cfg, engine.WithLogger(o.logger))

	c.state.LoadIdentity(ctx, token)
	c.state.LoadSuperProperties(ctx, token)
	c.state.LoadTimeEvents(ctx, token)
	c.state.LoadOptOut(ctx, token)
	for _, stream := range queue.Streams() {
		c.queues.Initialize(ctx, token, stream)
	}

	if o.optOutDefault {
		c.state.UpdateOptedOut(token, true)
		c.state.PersistOptedOut(ctx, token)
	}

	c.registerLibraryProperties(ctx)
	if len(o.superProps) > 0 {
		if err := c.RegisterSuperProperties(ctx, o.superProps); err != nil {
			return nil, err
		}
	}

	if o.flagsDelegate != nil {
		c.flags = flags.NewWithDelegate(o.flagsDelegate)
	} else {
		embedded := flags.NewEmbeddedClient(token, o.store, c.sender, c.state, c, c.cfg,
			flags.WithEmbeddedLogger(o.logger),
			flags.WithContext(o.flagsContext))
		embedded.RestoreCache(ctx)
		c.flags = flags.NewWithEmbedded(embedded)
	}

	c.engine.StartProcessing(ctx, token)
	return c, nil
}

// registerLibraryProperties seeds mp_lib and $lib_version so every event
// carries library metadata. Existing values win, matching register-once
// semantics.
func (c *Client) registerLibraryProperties(ctx context.Context) {
	_ = c.RegisterSuperPropertiesOnce(ctx, map[string]any{
		"mp_lib":       "go",
		"$lib_version": Version,
	})
}

// Flags exposes the feature-flag surface for this client.
func (c *Client) Flags() *flags.Flags {
	return c.flags
}

// People exposes the user-profile mutation builder.
func (c *Client) People() *People {
	return &People{client: c}
}

// Group exposes the group-profile mutation builder for one (key, id) pair.
func (c *Client) Group(groupKey string, groupID any) *Group {
	return &Group{client: c, key: groupKey, id: groupID}
}

// Track records an event. The payload merges super properties, caller
// properties, identity fields, and a $duration when a matching TimeEvent
// marker exists; computing the duration consumes the marker. Only argument
// validation fails synchronously; downstream failures are contained by the
// queue.
func (c *Client) Track(ctx context.Context, event string, properties map[string]any) error {
	if strings.TrimSpace(event) == "" {
		return ErrEmptyEventName
	}

	props := map[string]any{
		"token": c.token,
		"time":  time.Now().UnixMilli(),
	}
	for k, v := range c.state.SuperProperties(c.token) {
		props[k] = v
	}
	for k, v := range properties {
		props[k] = v
	}
	props["distinct_id"] = c.state.DistinctID(c.token)
	props["$device_id"] = c.state.DeviceID(c.token)
	if userID := c.state.UserID(c.token); userID != "" {
		props["$user_id"] = userID
	}
	if duration, ok := c.consumeTimedEvent(ctx, event); ok {
		props["$duration"] = duration
	}

	c.enqueue(ctx, queue.StreamEvents, map[string]any{
		"event":      event,
		"properties": props,
	})
	return nil
}

// TrackWithGroups records an event with group ids merged into its
// properties.
func (c *Client) TrackWithGroups(ctx context.Context, event string, properties, groups map[string]any) error {
	merged := make(map[string]any, len(properties)+len(groups))
	for k, v := range properties {
		merged[k] = v
	}
	for k, v := range groups {
		merged[k] = v
	}
	return c.Track(ctx, event, merged)
}

// enqueue runs the shared admission path: opt-out suppression, a
// serializability check, and session-metadata stamping. Failures are logged
// and contained; nothing propagates to the caller.
func (c *Client) enqueue(ctx context.Context, stream queue.Stream, record map[string]any) {
	if c.state.OptedOut(c.token) {
		c.logger.DebugContext(ctx, "tracking opted out, dropping record", logger.Token(c.token))
		return
	}
	if _, err := json.Marshal(record); err != nil {
		c.logger.ErrorContext(ctx, "payload is not serializable, dropping record",
			logger.Token(c.token), logger.Error(err))
		return
	}

	stamped := c.session.next(stream)
	for k, v := range record {
		stamped[k] = v
	}
	c.queues.Enqueue(ctx, c.token, stream, stamped)
}

// Identify switches the client from the anonymous distinct id to an external
// user id. A no-op when the id is already current. Pending profile records
// are rewritten to the new identity, and a $identify event carrying the
// previous id as $anon_distinct_id is tracked.
func (c *Client) Identify(ctx context.Context, distinctID string) error {
	if strings.TrimSpace(distinctID) == "" {
		return ErrEmptyDistinctID
	}

	previous := c.state.DistinctID(c.token)
	if previous == distinctID {
		return nil
	}

	c.state.UpdateDistinctID(c.token, distinctID)
	c.state.UpdateUserID(c.token, distinctID)
	c.state.PersistIdentity(ctx, c.token)
	c.queues.RewriteIdentity(ctx, c.token, distinctID, c.state.DeviceID(c.token), distinctID)

	return c.Track(ctx, "$identify", map[string]any{
		"$anon_distinct_id": previous,
	})
}

// Alias links an additional id to distinctID by tracking $create_alias, then
// identifies as distinctID.
func (c *Client) Alias(ctx context.Context, alias, distinctID string) error {
	if strings.TrimSpace(alias) == "" {
		return ErrEmptyAlias
	}
	if strings.TrimSpace(distinctID) == "" {
		return ErrEmptyDistinctID
	}

	if err := c.Track(ctx, "$create_alias", map[string]any{
		"alias":       alias,
		"distinct_id": distinctID,
	}); err != nil {
		return err
	}
	return c.Identify(ctx, distinctID)
}

// GetDistinctID returns the effective identity: anonymous ($device:-prefixed)
// until Identify, the external id afterwards.
func (c *Client) GetDistinctID() string {
	return c.state.DistinctID(c.token)
}

// GetDeviceID returns the stable device id. It survives Identify and changes
// only on Reset.
func (c *Client) GetDeviceID() string {
	return c.state.DeviceID(c.token)
}

// RegisterSuperProperties merges properties into the super-property map and
// persists it. New values win over existing ones.
func (c *Client) RegisterSuperProperties(ctx context.Context, properties map[string]any) error {
	current := c.state.SuperProperties(c.token)
	for k, v := range properties {
		current[k] = v
	}
	c.updateSuperProperties(ctx, current)
	return nil
}

// RegisterSuperPropertiesOnce merges properties, letting existing values
// win.
func (c *Client) RegisterSuperPropertiesOnce(ctx context.Context, properties map[string]any) error {
	current := c.state.SuperProperties(c.token)
	for k, v := range properties {
		if _, exists := current[k]; !exists {
			current[k] = v
		}
	}
	c.updateSuperProperties(ctx, current)
	return nil
}

// UnregisterSuperProperty removes one super property.
func (c *Client) UnregisterSuperProperty(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyPropertyName
	}
	current := c.state.SuperProperties(c.token)
	delete(current, name)
	c.updateSuperProperties(ctx, current)
	return nil
}

// GetSuperProperties returns a copy of the current super-property map.
func (c *Client) GetSuperProperties() map[string]any {
	return c.state.SuperProperties(c.token)
}

// ClearSuperProperties removes all super properties except the library
// metadata (mp_lib, $lib_version).
func (c *Client) ClearSuperProperties(ctx context.Context) {
	current := c.state.SuperProperties(c.token)
	kept := make(map[string]any, 2)
	for _, name := range []string{"mp_lib", "$lib_version"} {
		if v, ok := current[name]; ok {
			kept[name] = v
		}
	}
	c.updateSuperProperties(ctx, kept)
}

func (c *Client) updateSuperProperties(ctx context.Context, props map[string]any) {
	c.state.UpdateSuperProperties(c.token, props)
	c.state.PersistSuperProperties(ctx, c.token)
}

// TimeEvent starts a duration measurement for event. The next Track of the
// same event name carries the elapsed seconds as $duration and consumes the
// marker.
func (c *Client) TimeEvent(ctx context.Context, event string) error {
	if strings.TrimSpace(event) == "" {
		return ErrEmptyEventName
	}
	markers := c.state.TimeEvents(c.token)
	markers[event] = time.Now().Unix()
	c.state.UpdateTimeEvents(c.token, markers)
	c.state.PersistTimeEvents(ctx, c.token)
	return nil
}

// EventElapsedTime returns the seconds elapsed since TimeEvent was called
// for event, without consuming the marker. The second result is false when
// no marker exists.
func (c *Client) EventElapsedTime(event string) (int64, bool) {
	markers := c.state.TimeEvents(c.token)
	start, ok := markers[event]
	if !ok {
		return 0, false
	}
	return time.Now().Unix() - start, true
}

// consumeTimedEvent deletes the marker for event and returns the elapsed
// seconds. Each marker produces a duration at most once.
func (c *Client) consumeTimedEvent(ctx context.Context, event string) (int64, bool) {
	markers := c.state.TimeEvents(c.token)
	start, ok := markers[event]
	if !ok {
		return 0, false
	}
	delete(markers, event)
	c.state.UpdateTimeEvents(c.token, markers)
	c.state.PersistTimeEvents(ctx, c.token)
	return time.Now().Unix() - start, true
}

// SetGroup replaces the group membership for groupKey with the single id,
// both as an array-valued super property and on the user profile.
func (c *Client) SetGroup(ctx context.Context, groupKey string, groupID any) error {
	if strings.TrimSpace(groupKey) == "" {
		return ErrEmptyGroupKey
	}
	membership := []any{groupID}
	if err := c.RegisterSuperProperties(ctx, map[string]any{groupKey: membership}); err != nil {
		return err
	}
	c.People().sendProfile(ctx, map[string]any{"$set": map[string]any{groupKey: membership}})
	return nil
}

// AddGroup appends groupID to the groupKey membership if not already
// present, and unions it onto the user profile. Idempotent per id.
func (c *Client) AddGroup(ctx context.Context, groupKey string, groupID any) error {
	if strings.TrimSpace(groupKey) == "" {
		return ErrEmptyGroupKey
	}

	membership := c.groupMembership(groupKey)
	if !containsValue(membership, groupID) {
		membership = append(membership, groupID)
		if err := c.RegisterSuperProperties(ctx, map[string]any{groupKey: membership}); err != nil {
			return err
		}
	}
	c.People().sendProfile(ctx, map[string]any{"$union": map[string]any{groupKey: []any{groupID}}})
	return nil
}

// RemoveGroup filters groupID out of the groupKey membership and removes it
// from the user profile. When the membership becomes empty the super
// property is unregistered entirely rather than left as an empty array.
func (c *Client) RemoveGroup(ctx context.Context, groupKey string, groupID any) error {
	if strings.TrimSpace(groupKey) == "" {
		return ErrEmptyGroupKey
	}

	membership := c.groupMembership(groupKey)
	filtered := make([]any, 0, len(membership))
	for _, id := range membership {
		if !reflect.DeepEqual(id, groupID) {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		if err := c.UnregisterSuperProperty(ctx, groupKey); err != nil {
			return err
		}
	} else if err := c.RegisterSuperProperties(ctx, map[string]any{groupKey: filtered}); err != nil {
		return err
	}
	c.People().sendProfile(ctx, map[string]any{"$remove": map[string]any{groupKey: groupID}})
	return nil
}

// DeleteGroup deletes the group profile for one (key, id) pair.
func (c *Client) DeleteGroup(ctx context.Context, groupKey string, groupID any) error {
	if strings.TrimSpace(groupKey) == "" {
		return ErrEmptyGroupKey
	}
	c.sendGroupProfile(ctx, groupKey, groupID, map[string]any{"$delete": "null"})
	return nil
}

// groupMembership reads the current membership array for groupKey, coercing
// a scalar value into a one-element array.
func (c *Client) groupMembership(groupKey string) []any {
	v, ok := c.state.SuperProperties(c.token)[groupKey]
	if !ok {
		return nil
	}
	if arr, ok := v.([]any); ok {
		return append([]any(nil), arr...)
	}
	return []any{v}
}

func containsValue(values []any, target any) bool {
	for _, v := range values {
		if reflect.DeepEqual(v, target) {
			return true
		}
	}
	return false
}

// sendGroupProfile builds and enqueues one group-stream mutation.
func (c *Client) sendGroupProfile(ctx context.Context, groupKey string, groupID any, action map[string]any) {
	record := map[string]any{
		"$token":     c.token,
		"$time":      time.Now().UnixMilli(),
		"$group_key": groupKey,
		"$group_id":  groupID,
	}
	for k, v := range action {
		record[k] = v
	}
	c.enqueue(ctx, queue.StreamGroups, record)
}

// Flush drains all three streams once, outside the timer cadence. A no-op
// when opted out.
func (c *Client) Flush(ctx context.Context) {
	c.engine.Flush(ctx, c.token)
}

// Reset stops the recurring flush cycle and starts a fresh anonymous
// identity: identity keys, super properties, and timed-event markers are
// cleared, library metadata is re-registered. Pending queues and the flag
// cache are retained.
func (c *Client) Reset(ctx context.Context) {
	c.engine.StopProcessing(c.token)
	c.state.Reset(ctx, c.token)
	c.registerLibraryProperties(ctx)
}

// OptOutTracking suppresses all enqueueing and flushing for this client and
// starts a fresh anonymous identity going forward.
func (c *Client) OptOutTracking(ctx context.Context) {
	c.state.UpdateOptedOut(c.token, true)
	c.state.PersistOptedOut(ctx, c.token)
	c.engine.StopProcessing(c.token)
	c.state.Reset(ctx, c.token)
	c.registerLibraryProperties(ctx)
	c.logger.InfoContext(ctx, "tracking opted out", logger.Token(c.token))
}

// OptInTracking re-enables tracking, records a $opt_in event, and resumes
// the recurring flush cycle.
func (c *Client) OptInTracking(ctx context.Context) {
	c.state.UpdateOptedOut(c.token, false)
	c.state.PersistOptedOut(ctx, c.token)
	_ = c.Track(ctx, "$opt_in", nil)
	c.engine.StartProcessing(ctx, c.token)
	c.logger.InfoContext(ctx, "tracking opted in", logger.Token(c.token))
}

// HasOptedOutTracking reports whether tracking is currently suppressed.
func (c *Client) HasOptedOutTracking() bool {
	return c.state.OptedOut(c.token)
}

// SetServerURL changes the ingestion server base URL at runtime.
func (c *Client) SetServerURL(u string) {
	c.cfg.SetServerURL(u)
}

// SetFlushInterval changes the delay between flush cycles.
func (c *Client) SetFlushInterval(d time.Duration) {
	c.cfg.SetFlushInterval(d)
}

// SetFlushBatchSize changes the items-per-request batch size, capped at 50.
func (c *Client) SetFlushBatchSize(n int) {
	c.cfg.SetFlushBatchSize(n)
}

// SetUseIPForGeolocation toggles server-side IP geolocation.
func (c *Client) SetUseIPForGeolocation(v bool) {
	c.cfg.SetUseIPForGeolocation(v)
}

// SetLoggingEnabled toggles the verbose-logging config flag.
func (c *Client) SetLoggingEnabled(v bool) {
	c.cfg.SetLoggingEnabled(v)
}
