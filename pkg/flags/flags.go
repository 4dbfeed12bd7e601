package flags

import (
	"context"

	"github.com/trackkit/mixpanel/pkg/async"
)

// Flags is the public feature-flag surface. It routes every call to a
// host-provided Delegate when one is set, and to the EmbeddedClient
// otherwise. The zero value (no delegate, no embedded client) answers every
// read with the fallback and every load with ErrNotInitialized.
type Flags struct {
	delegate Delegate
	embedded *EmbeddedClient
}

// NewWithDelegate wires the facade to a host-provided flag engine.
func NewWithDelegate(d Delegate) *Flags {
	return &Flags{delegate: d}
}

// NewWithEmbedded wires the facade to the built-in flag engine.
func NewWithEmbedded(c *EmbeddedClient) *Flags {
	return &Flags{embedded: c}
}

// LoadFlags triggers a flag fetch for the current context.
func (f *Flags) LoadFlags(ctx context.Context) error {
	switch {
	case f.delegate != nil:
		return f.delegate.LoadFlags(ctx)
	case f.embedded != nil:
		return f.embedded.LoadFlags(ctx)
	default:
		return ErrNotInitialized
	}
}

// AreFlagsReady reports whether flag reads can be answered from loaded data.
func (f *Flags) AreFlagsReady() bool {
	switch {
	case f.delegate != nil:
		return f.delegate.AreFlagsReady()
	case f.embedded != nil:
		return f.embedded.AreFlagsReady()
	default:
		return false
	}
}

// GetVariantSync returns the flag's variant without blocking or fetching;
// fallback when flags are not ready or the name is unknown.
func (f *Flags) GetVariantSync(name string, fallback Variant) Variant {
	switch {
	case f.delegate != nil:
		return f.delegate.GetVariantSync(name, fallback)
	case f.embedded != nil:
		return f.embedded.GetVariantSync(name, fallback)
	default:
		return fallback
	}
}

// GetVariantValueSync returns the flag's value without blocking or fetching.
func (f *Flags) GetVariantValueSync(name string, fallbackValue any) any {
	switch {
	case f.delegate != nil:
		return f.delegate.GetVariantValueSync(name, fallbackValue)
	case f.embedded != nil:
		return f.embedded.GetVariantValueSync(name, fallbackValue)
	default:
		return fallbackValue
	}
}

// IsEnabledSync returns the flag's boolean value without blocking or
// fetching.
func (f *Flags) IsEnabledSync(name string, fallback bool) bool {
	switch {
	case f.delegate != nil:
		return f.delegate.IsEnabledSync(name, fallback)
	case f.embedded != nil:
		return f.embedded.IsEnabledSync(name, fallback)
	default:
		return fallback
	}
}

// GetVariant returns the flag's variant, loading flags first when they are
// not ready.
func (f *Flags) GetVariant(ctx context.Context, name string, fallback Variant) Variant {
	switch {
	case f.delegate != nil:
		return f.delegate.GetVariant(ctx, name, fallback)
	case f.embedded != nil:
		return f.embedded.GetVariant(ctx, name, fallback)
	default:
		return fallback
	}
}

// GetVariantValue returns the flag's value, loading flags first when needed.
func (f *Flags) GetVariantValue(ctx context.Context, name string, fallbackValue any) any {
	switch {
	case f.delegate != nil:
		return f.delegate.GetVariantValue(ctx, name, fallbackValue)
	case f.embedded != nil:
		return f.embedded.GetVariantValue(ctx, name, fallbackValue)
	default:
		return fallbackValue
	}
}

// IsEnabled returns the flag's boolean value, loading flags first when
// needed.
func (f *Flags) IsEnabled(ctx context.Context, name string, fallback bool) bool {
	switch {
	case f.delegate != nil:
		return f.delegate.IsEnabled(ctx, name, fallback)
	case f.embedded != nil:
		return f.embedded.IsEnabled(ctx, name, fallback)
	default:
		return fallback
	}
}

// UpdateContext merges (or replaces) the evaluation context and reloads
// flags. A new context starts a new exposure epoch.
func (f *Flags) UpdateContext(ctx context.Context, newContext map[string]any, replace bool) error {
	switch {
	case f.delegate != nil:
		return f.delegate.UpdateContext(ctx, newContext, replace)
	case f.embedded != nil:
		return f.embedded.UpdateContext(ctx, newContext, replace)
	default:
		return ErrNotInitialized
	}
}

// GetVariantAsync resolves the variant on a background goroutine and invokes
// cb with the result. The callback always receives a usable variant; load
// failures resolve to the fallback.
func (f *Flags) GetVariantAsync(ctx context.Context, name string, fallback Variant, cb func(Variant)) {
	async.Go(ctx, func(ctx context.Context) (Variant, error) {
		return f.GetVariant(ctx, name, fallback), nil
	}).Then(func(v Variant, _ error) {
		cb(v)
	})
}

// GetVariantValueAsync resolves the flag value on a background goroutine and
// invokes cb with the result.
func (f *Flags) GetVariantValueAsync(ctx context.Context, name string, fallbackValue any, cb func(any)) {
	async.Go(ctx, func(ctx context.Context) (any, error) {
		return f.GetVariantValue(ctx, name, fallbackValue), nil
	}).Then(func(v any, _ error) {
		cb(v)
	})
}

// IsEnabledAsync resolves the boolean flag value on a background goroutine
// and invokes cb with the result.
func (f *Flags) IsEnabledAsync(ctx context.Context, name string, fallback bool, cb func(bool)) {
	async.Go(ctx, func(ctx context.Context) (bool, error) {
		return f.IsEnabled(ctx, name, fallback), nil
	}).Then(func(v bool, _ error) {
		cb(v)
	})
}
