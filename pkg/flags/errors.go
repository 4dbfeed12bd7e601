package flags

import "errors"

var (
	// ErrNotInitialized is returned when neither a delegate nor an embedded
	// client is available for the operation.
	ErrNotInitialized = errors.New("feature flags are not initialized")

	// ErrCorruptCache is returned when the persisted flag cache cannot be
	// decoded. The cache is discarded and flags start not-ready.
	ErrCorruptCache = errors.New("corrupt feature flag cache")
)
