package flags_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackkit/mixpanel/pkg/flags"
	"github.com/trackkit/mixpanel/pkg/network"
	"github.com/trackkit/mixpanel/pkg/storage"
)

type fakeFetcher struct {
	mu       sync.Mutex
	requests []network.FlagsRequest
	payloads map[string]network.VariantPayload
	err      error
}

func (f *fakeFetcher) FetchFlags(ctx context.Context, req network.FlagsRequest) (map[string]network.VariantPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.payloads, nil
}

func (f *fakeFetcher) calls() []network.FlagsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.FlagsRequest(nil), f.requests...)
}

func (f *fakeFetcher) setResponse(payloads map[string]network.VariantPayload, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = payloads
	f.err = err
}

type fakeIdentity struct{}

func (fakeIdentity) DistinctID(token string) string { return "$device:abc" }
func (fakeIdentity) DeviceID(token string) string   { return "abc" }

type fakeTracker struct {
	mu     sync.Mutex
	events []trackedEvent
	fired  chan struct{}
}

type trackedEvent struct {
	name  string
	props map[string]any
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{fired: make(chan struct{}, 16)}
}

func (f *fakeTracker) Track(ctx context.Context, event string, properties map[string]any) error {
	f.mu.Lock()
	f.events = append(f.events, trackedEvent{name: event, props: properties})
	f.mu.Unlock()
	f.fired <- struct{}{}
	return nil
}

func (f *fakeTracker) tracked() []trackedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trackedEvent(nil), f.events...)
}

func (f *fakeTracker) waitForEvent(t *testing.T) {
	t.Helper()
	select {
	case <-f.fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exposure event")
	}
}

type fakeSettings struct{}

func (fakeSettings) ServerURL() string { return "https://api.mixpanel.com" }

func boolPtr(b bool) *bool { return &b }

func samplePayloads() map[string]network.VariantPayload {
	return map[string]network.VariantPayload{
		"checkout_v2": {
			VariantKey:         "treatment",
			VariantValue:       true,
			ExperimentID:       float64(42),
			IsExperimentActive: boolPtr(true),
		},
		"button_color": {
			VariantKey:   "blue",
			VariantValue: "blue",
		},
	}
}

type embeddedFixture struct {
	store   *storage.MemoryStore
	fetcher *fakeFetcher
	tracker *fakeTracker
	client  *flags.EmbeddedClient
}

func newEmbeddedFixture(t *testing.T, opts ...flags.EmbeddedOption) *embeddedFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	fetcher := &fakeFetcher{payloads: samplePayloads()}
	tracker := newFakeTracker()
	client := flags.NewEmbeddedClient("T1", store, fetcher, fakeIdentity{}, tracker, fakeSettings{}, opts...)
	return &embeddedFixture{store: store, fetcher: fetcher, tracker: tracker, client: client}
}

func TestEmbeddedClient_SyncReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fallback before any load", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)

		assert.False(t, f.client.AreFlagsReady())
		v := f.client.GetVariantSync("checkout_v2", flags.FallbackVariant("checkout_v2", false))
		assert.Equal(t, "checkout_v2", v.Key)
		assert.Equal(t, false, v.Value)
		assert.False(t, f.client.IsEnabledSync("checkout_v2", false))
		assert.Empty(t, f.fetcher.calls(), "sync reads must never fetch")
	})

	t.Run("loaded values are served", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		assert.True(t, f.client.AreFlagsReady())
		v := f.client.GetVariantSync("checkout_v2", flags.FallbackVariant("checkout_v2", false))
		assert.Equal(t, "treatment", v.Key)
		assert.Equal(t, true, v.Value)
		assert.Equal(t, "blue", f.client.GetVariantValueSync("button_color", "red"))
		assert.True(t, f.client.IsEnabledSync("checkout_v2", false))
	})

	t.Run("unknown flag falls back after load", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		assert.Equal(t, "red", f.client.GetVariantValueSync("missing", "red"))
	})

	t.Run("non boolean value falls back in IsEnabledSync", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		assert.True(t, f.client.IsEnabledSync("button_color", true))
	})
}

func TestEmbeddedClient_LoadFlags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("sends identity and context", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t, flags.WithContext(map[string]any{"plan": "pro"}))
		require.NoError(t, f.client.LoadFlags(ctx))

		calls := f.fetcher.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "T1", calls[0].Token)
		assert.Equal(t, "$device:abc", calls[0].DistinctID)
		assert.Equal(t, "abc", calls[0].DeviceID)
		assert.Equal(t, map[string]any{"plan": "pro"}, calls[0].Context)
	})

	t.Run("failure keeps previously loaded flags", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		f.fetcher.setResponse(nil, assert.AnError)
		require.Error(t, f.client.LoadFlags(ctx))

		assert.True(t, f.client.AreFlagsReady())
		assert.Equal(t, "blue", f.client.GetVariantValueSync("button_color", "red"))
	})

	t.Run("failure with no prior data stays not ready", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		f.fetcher.setResponse(nil, assert.AnError)

		require.Error(t, f.client.LoadFlags(ctx))
		assert.False(t, f.client.AreFlagsReady())
	})

	t.Run("later load replaces the whole flag set", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		f.fetcher.setResponse(map[string]network.VariantPayload{
			"button_color": {VariantKey: "green", VariantValue: "green"},
		}, nil)
		require.NoError(t, f.client.LoadFlags(ctx))

		assert.Equal(t, "green", f.client.GetVariantValueSync("button_color", "red"))
		// checkout_v2 was absent from the second response.
		assert.Equal(t, false, f.client.GetVariantValueSync("checkout_v2", false))
	})
}

func TestEmbeddedClient_AsyncReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("loads on demand when not ready", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)

		v := f.client.GetVariant(ctx, "checkout_v2", flags.FallbackVariant("checkout_v2", false))
		assert.Equal(t, "treatment", v.Key)
		assert.Len(t, f.fetcher.calls(), 1)
	})

	t.Run("does not refetch once ready", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		f.client.GetVariant(ctx, "checkout_v2", flags.FallbackVariant("checkout_v2", false))
		f.client.IsEnabled(ctx, "checkout_v2", false)
		assert.Len(t, f.fetcher.calls(), 1)
	})

	t.Run("load failure resolves to fallback", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		f.fetcher.setResponse(nil, assert.AnError)

		assert.Equal(t, "red", f.client.GetVariantValue(ctx, "button_color", "red"))
	})
}

func TestEmbeddedClient_ExposureTracking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first read fires exactly one exposure event", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		for i := 0; i < 5; i++ {
			f.client.GetVariantSync("checkout_v2", flags.FallbackVariant("checkout_v2", false))
		}
		f.tracker.waitForEvent(t)

		events := f.tracker.tracked()
		require.Len(t, events, 1)
		assert.Equal(t, "$experiment_started", events[0].name)
		assert.Equal(t, "checkout_v2", events[0].props["Experiment name"])
		assert.Equal(t, "treatment", events[0].props["Variant name"])
		assert.Equal(t, "feature_flag", events[0].props["$experiment_type"])
		assert.Equal(t, float64(42), events[0].props["$experiment_id"])
		assert.Equal(t, true, events[0].props["$is_experiment_active"])
		assert.Contains(t, events[0].props, "Variant fetch latency (ms)")
	})

	t.Run("fallback reads do not fire exposure", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)

		f.client.GetVariantSync("checkout_v2", flags.FallbackVariant("checkout_v2", false))
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, f.tracker.tracked())
	})

	t.Run("distinct flags track independently", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		f.client.GetVariantSync("checkout_v2", flags.FallbackVariant("checkout_v2", false))
		f.client.GetVariantSync("button_color", flags.FallbackVariant("button_color", "red"))
		f.tracker.waitForEvent(t)
		f.tracker.waitForEvent(t)

		assert.Len(t, f.tracker.tracked(), 2)
	})

	t.Run("context update starts a new exposure epoch", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		f.client.GetVariantSync("checkout_v2", flags.FallbackVariant("checkout_v2", false))
		f.tracker.waitForEvent(t)

		require.NoError(t, f.client.UpdateContext(ctx, map[string]any{"cohort": "b"}, false))
		f.client.GetVariantSync("checkout_v2", flags.FallbackVariant("checkout_v2", false))
		f.tracker.waitForEvent(t)

		assert.Len(t, f.tracker.tracked(), 2)
	})
}

func TestEmbeddedClient_UpdateContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("merge keeps existing keys", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t, flags.WithContext(map[string]any{"plan": "pro"}))

		require.NoError(t, f.client.UpdateContext(ctx, map[string]any{"cohort": "b"}, false))

		calls := f.fetcher.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, map[string]any{"plan": "pro", "cohort": "b"}, calls[0].Context)
	})

	t.Run("replace discards existing keys", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t, flags.WithContext(map[string]any{"plan": "pro"}))

		require.NoError(t, f.client.UpdateContext(ctx, map[string]any{"cohort": "b"}, true))

		calls := f.fetcher.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, map[string]any{"cohort": "b"}, calls[0].Context)
	})
}

func TestEmbeddedClient_Cache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("restore serves flags persisted by a previous client", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		// Fresh client over the same store, as after a restart.
		restarted := flags.NewEmbeddedClient("T1", f.store, f.fetcher, fakeIdentity{}, newFakeTracker(), fakeSettings{})
		assert.False(t, restarted.AreFlagsReady())

		restarted.RestoreCache(ctx)
		assert.True(t, restarted.AreFlagsReady())
		assert.Equal(t, "blue", restarted.GetVariantValueSync("button_color", "red"))
		assert.Empty(t, f.fetcher.calls()[1:], "restore must not fetch")
	})

	t.Run("restore ignores a missing cache", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)

		f.client.RestoreCache(ctx)
		assert.False(t, f.client.AreFlagsReady())
	})

	t.Run("corrupt cache is discarded", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.store.SetItem(ctx, "MIXPANEL_T1_FLAGS_CACHE", "{not json"))

		f.client.RestoreCache(ctx)
		assert.False(t, f.client.AreFlagsReady())
	})

	t.Run("clear cache resets state and storage", func(t *testing.T) {
		t.Parallel()
		f := newEmbeddedFixture(t)
		require.NoError(t, f.client.LoadFlags(ctx))

		f.client.ClearCache(ctx)

		assert.False(t, f.client.AreFlagsReady())
		_, err := f.store.GetItem(ctx, "MIXPANEL_T1_FLAGS_CACHE")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})
}

func TestEmbeddedClient_ConcurrentLoads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newEmbeddedFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.client.LoadFlags(ctx)
		}()
	}
	wg.Wait()

	// Every call issued its own request; none were deduplicated.
	assert.Len(t, f.fetcher.calls(), 8)
	assert.True(t, f.client.AreFlagsReady())
	assert.Equal(t, "blue", f.client.GetVariantValueSync("button_color", "red"))
}
