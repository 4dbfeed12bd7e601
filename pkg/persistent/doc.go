// Package persistent owns all durable per-token client state: the identity
// triple (device id, distinct id, user id), super properties, timed-event
// markers, the opt-out flag, and raw queue snapshots.
//
// State is held in memory and mirrored to a storage.Store. Storage failures
// are logged and swallowed; the in-memory copy stays authoritative for the
// process lifetime, so a broken backend degrades durability but never
// surfaces errors to tracking calls.
//
// Load operations are idempotent. LoadIdentity generates a fresh device id
// (and the derived anonymous distinct id) on first run and persists it, so
// after it returns the distinct id is never empty.
package persistent
