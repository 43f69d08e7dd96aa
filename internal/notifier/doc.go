// Package notifier delivers bot messages through the transport adapter.
//
// Send delivers right away, paced by a token bucket. Enqueue parks a message
// in a bounded outbox that the recurring flush task drains in batches, which
// keeps large fan-outs (the weekly digest) under the platform's rate limits.
// Neither path retries: a failed delivery is logged and published on the bus.
//
// Messages can carry a dedup key. A key seen inside the dedup window is
// dropped silently; with PersistDedup the window survives restarts through
// the store.
package notifier
