// Package network delivers queued batches to the Mixpanel ingestion API and
// fetches feature-flag assignments, classifying failures so the flush engine
// can react correctly:
//
//   - 4xx responses are permanent: surfaced immediately, never retried. The
//     engine drops the poisoned head item rather than the whole batch.
//   - 5xx responses, timeouts, and transport errors are transient: retried
//     in place with exponential backoff (2s, 4s, 8s... capped at 60s) up to
//     five attempts, then surfaced so the queue is left intact for the next
//     cycle.
//
// Delivery is an at-least-once contract; a success response that is lost in
// transit results in a resend on the next cycle.
package network
