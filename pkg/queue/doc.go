// Package queue holds the in-memory, per-(token, stream) FIFO buffers that
// decouple tracking calls from network delivery, mirrored to durable storage
// through a small snapshot interface.
//
// Ordering is the package's only real job: items are appended at the back,
// truncated from the front (sent batches, poisoned records), never reordered.
// Mutations are last-write-wins against the snapshot store; the Manager does
// not arbitrate between concurrent writers for the same (token, stream) —
// within the SDK only the facade and the flush engine touch a given queue,
// from single-flow call sites.
package queue
