// Package config holds per-client runtime settings: server URL, flush
// cadence, batch size, and geolocation behavior.
//
// Defaults come from the environment (MIXPANEL_* variables, with a one-shot
// .env load) and can be adjusted at runtime through concurrency-safe
// setters, so a live client can retarget its server URL or change its flush
// interval without a restart.
//
// The flush batch size is hard-capped at 50 regardless of configuration; the
// ingestion API rejects larger batches.
package config
