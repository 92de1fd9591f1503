// Package fanout is a best-effort, non-authoritative broadcaster of
// signal:final/eval:done rows over NATS, for consumers who want push
// delivery instead of polling Redis Streams. Redis stays the source of
// truth (spec.md §4.1); a fanout failure is logged, never fatal. Grounded
// on the teacher's internal/pubsub broadcaster interface and its NATS
// client, generalized from token-swap events to signal/eval rows.
package fanout

import "context"

type Broadcaster interface {
	Publish(ctx context.Context, subject string, data any) error
	Health(ctx context.Context) error
}
