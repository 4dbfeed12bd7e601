// Package mixpanel is an embedded Mixpanel client: it accepts tracking
// events, profile and group mutations, and feature-flag reads, queues them
// durably per API token, and delivers them in batches to the ingestion API.
//
// A Client owns one token. Events pass through payload construction (super
// properties, identity fields, timed-event durations, session metadata) into
// per-stream FIFO queues mirrored to a storage adapter, from which a
// self-rescheduling flush cycle drains them over HTTP. Feature flags run as
// an independent fetch/cache/read pipeline reachable via Client.Flags.
//
// Fire-and-forget operations (Track, Flush, exposure tracking) never
// propagate network or storage failures to the caller; only argument
// validation errors are returned synchronously.
package mixpanel
