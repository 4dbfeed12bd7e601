package flags

import "context"

// Delegate is a host-provided flag engine. When the embedding platform
// already ships flag evaluation, the facade routes every operation to it and
// the embedded client is never constructed.
type Delegate interface {
	LoadFlags(ctx context.Context) error
	AreFlagsReady() bool

	GetVariantSync(name string, fallback Variant) Variant
	GetVariantValueSync(name string, fallbackValue any) any
	IsEnabledSync(name string, fallback bool) bool

	GetVariant(ctx context.Context, name string, fallback Variant) Variant
	GetVariantValue(ctx context.Context, name string, fallbackValue any) any
	IsEnabled(ctx context.Context, name string, fallback bool) bool

	UpdateContext(ctx context.Context, newContext map[string]any, replace bool) error
}
