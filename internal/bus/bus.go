// Package bus is the cross-context change-notification channel. A write to
// any repository table publishes a Change; every execution context sharing
// the durable store subscribes and re-reads the affected collection. This
// is the only signal between contexts; there is no shared memory.
package bus

import "context"

// Change kinds.
const (
	KindWrite  = "write"
	KindDelete = "delete"
)

// Change is the notification payload: which table changed and how.
type Change struct {
	Table string `json:"table"`
	Kind  string `json:"kind"`
}

// Bus fans Changes out to subscribers. Subscribe returns an unsubscribe
// handle; after it is called the listener receives no further changes.
// Listeners must be safe to invoke from a goroutine other than the
// publisher's.
type Bus interface {
	Publish(ctx context.Context, ch Change) error
	Subscribe(fn func(Change)) (unsubscribe func())
}
