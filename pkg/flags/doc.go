// Package flags serves feature-flag reads from a background-refreshed local
// cache and records first-exposure analytics.
//
// The Flags facade dispatches to either a host-provided Delegate (when the
// embedding platform ships its own flag engine) or the EmbeddedClient, which
// fetches assignments itself, caches them through the storage layer, and
// answers reads locally.
//
// Read semantics are strict: synchronous reads never block and never touch
// the network — before the first successful load they return the supplied
// fallback unchanged. Asynchronous reads trigger a load when flags are not
// ready yet and then resolve.
//
// The first read of each flag name fires a $experiment_started tracking
// event exactly once per context epoch; UpdateContext starts a new epoch.
// Exposure tracking is fire-and-forget: a failing track call is logged and
// never surfaces to the flag-read caller.
//
// Concurrent LoadFlags calls are intentionally not deduplicated. Each issues
// its own request and the last response to settle wins; callers that need a
// serialized refresh must provide it themselves.
package flags
