// Package engine drives the recurring flush cycle that drains the three
// delivery streams (events, profile updates, group updates) for each token.
//
// The cycle is self-rescheduling, not a fixed-rate timer: the next cycle is
// armed only after the current one fully completes, so cycles for one token
// never overlap. A per-token in-flight guard makes StartProcessing
// idempotent, and a per-token drain lock serializes timer cycles with
// on-demand Flush calls so two drains never splice the same queue.
//
// Within a cycle, streams are drained strictly in order. Each stream is
// flushed batch by batch from the queue front; a permanent (4xx) failure
// drops exactly one head item and continues, bounding loss to one corrupt
// record per failure, while an exhausted transient failure halts that stream
// for the cycle and leaves the queue intact.
package engine
