// Package storage defines the key-value storage contract backing all durable
// client state (identity, super properties, queue snapshots, flag cache).
//
// The contract is deliberately minimal: string keys, string values, three
// operations. Any engine that can hold strings by key can serve as a backend.
// Two implementations ship with the package:
//
//   - MemoryStore — process-local map, used in tests and throwaway clients
//   - RedisStore  — durable adapter backed by go-redis
//
// Missing keys are reported via ErrKeyNotFound so callers can distinguish
// "never written" from a transport failure:
//
//	v, err := store.GetItem(ctx, key)
//	if errors.Is(err, storage.ErrKeyNotFound) {
//		// first run, fall back to defaults
//	}
package storage
