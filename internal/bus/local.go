package bus

import (
	"context"
	"sync"
)

// LocalBus implements Bus with in-process fanout. It serves single-process
// deployments where all execution contexts live in one address space, and
// it is the loopback half of RedisBus.
type LocalBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Change)
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]func(Change))}
}

func (b *LocalBus) Publish(_ context.Context, ch Change) error {
	b.mu.RLock()
	fns := make([]func(Change), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	// Deliver outside the lock so a listener may unsubscribe or publish.
	for _, fn := range fns {
		fn(ch)
	}
	return nil
}

func (b *LocalBus) Subscribe(fn func(Change)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
