package flags_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackkit/mixpanel/pkg/flags"
)

// stubDelegate records calls so tests can assert the facade routed to it.
type stubDelegate struct {
	mu    sync.Mutex
	calls []string
	ready bool
}

func (d *stubDelegate) record(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, name)
}

func (d *stubDelegate) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *stubDelegate) LoadFlags(ctx context.Context) error {
	d.record("LoadFlags")
	return nil
}

func (d *stubDelegate) AreFlagsReady() bool {
	d.record("AreFlagsReady")
	return d.ready
}

func (d *stubDelegate) GetVariantSync(name string, fallback flags.Variant) flags.Variant {
	d.record("GetVariantSync")
	return flags.Variant{Key: "delegate", Value: name}
}

func (d *stubDelegate) GetVariantValueSync(name string, fallbackValue any) any {
	d.record("GetVariantValueSync")
	return "delegate"
}

func (d *stubDelegate) IsEnabledSync(name string, fallback bool) bool {
	d.record("IsEnabledSync")
	return true
}

func (d *stubDelegate) GetVariant(ctx context.Context, name string, fallback flags.Variant) flags.Variant {
	d.record("GetVariant")
	return flags.Variant{Key: "delegate", Value: name}
}

func (d *stubDelegate) GetVariantValue(ctx context.Context, name string, fallbackValue any) any {
	d.record("GetVariantValue")
	return "delegate"
}

func (d *stubDelegate) IsEnabled(ctx context.Context, name string, fallback bool) bool {
	d.record("IsEnabled")
	return true
}

func (d *stubDelegate) UpdateContext(ctx context.Context, newContext map[string]any, replace bool) error {
	d.record("UpdateContext")
	return nil
}

func TestFlags_DelegateRouting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := &stubDelegate{ready: true}
	f := flags.NewWithDelegate(d)

	require.NoError(t, f.LoadFlags(ctx))
	assert.True(t, f.AreFlagsReady())
	assert.Equal(t, "delegate", f.GetVariantSync("x", flags.Variant{}).Key)
	assert.Equal(t, "delegate", f.GetVariantValueSync("x", nil))
	assert.True(t, f.IsEnabledSync("x", false))
	assert.Equal(t, "delegate", f.GetVariant(ctx, "x", flags.Variant{}).Key)
	assert.Equal(t, "delegate", f.GetVariantValue(ctx, "x", nil))
	assert.True(t, f.IsEnabled(ctx, "x", false))
	require.NoError(t, f.UpdateContext(ctx, map[string]any{"k": "v"}, false))

	assert.Equal(t, []string{
		"LoadFlags", "AreFlagsReady",
		"GetVariantSync", "GetVariantValueSync", "IsEnabledSync",
		"GetVariant", "GetVariantValue", "IsEnabled",
		"UpdateContext",
	}, d.recorded())
}

func TestFlags_EmbeddedRouting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fx := newEmbeddedFixture(t)
	f := flags.NewWithEmbedded(fx.client)

	require.NoError(t, f.LoadFlags(ctx))
	assert.True(t, f.AreFlagsReady())
	assert.Equal(t, "blue", f.GetVariantValueSync("button_color", "red"))
	assert.True(t, f.IsEnabled(ctx, "checkout_v2", false))
}

func TestFlags_Uninitialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var f flags.Flags

	assert.ErrorIs(t, f.LoadFlags(ctx), flags.ErrNotInitialized)
	assert.ErrorIs(t, f.UpdateContext(ctx, nil, false), flags.ErrNotInitialized)
	assert.False(t, f.AreFlagsReady())
	assert.Equal(t, "red", f.GetVariantValueSync("x", "red"))
	assert.Equal(t, "red", f.GetVariantValue(ctx, "x", "red"))
	assert.False(t, f.IsEnabledSync("x", false))
	assert.False(t, f.IsEnabled(ctx, "x", false))
	fb := flags.FallbackVariant("x", 1)
	assert.Equal(t, fb, f.GetVariantSync("x", fb))
	assert.Equal(t, fb, f.GetVariant(ctx, "x", fb))
}

func TestFlags_AsyncCallbacks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("resolves the loaded variant", func(t *testing.T) {
		t.Parallel()
		fx := newEmbeddedFixture(t)
		f := flags.NewWithEmbedded(fx.client)

		got := make(chan flags.Variant, 1)
		f.GetVariantAsync(ctx, "checkout_v2", flags.FallbackVariant("checkout_v2", false), func(v flags.Variant) {
			got <- v
		})

		select {
		case v := <-got:
			assert.Equal(t, "treatment", v.Key)
		case <-time.After(time.Second):
			t.Fatal("callback never invoked")
		}
	})

	t.Run("resolves fallback when uninitialized", func(t *testing.T) {
		t.Parallel()
		var f flags.Flags

		got := make(chan bool, 1)
		f.IsEnabledAsync(ctx, "x", true, func(v bool) { got <- v })

		select {
		case v := <-got:
			assert.True(t, v)
		case <-time.After(time.Second):
			t.Fatal("callback never invoked")
		}
	})

	t.Run("value callback receives the flag value", func(t *testing.T) {
		t.Parallel()
		fx := newEmbeddedFixture(t)
		f := flags.NewWithEmbedded(fx.client)

		got := make(chan any, 1)
		f.GetVariantValueAsync(ctx, "button_color", "red", func(v any) { got <- v })

		select {
		case v := <-got:
			assert.Equal(t, "blue", v)
		case <-time.After(time.Second):
			t.Fatal("callback never invoked")
		}
	})
}
