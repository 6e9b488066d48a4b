// Package events carries sign-out notifications between sessions of the
// same user, in process or across replicas.
package events

import (
	"context"
	"sync"
)

// LocalBus delivers sign-outs to subscribers of this process only.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(userID string)
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]func(string))}
}

// PublishSignOut calls every subscriber synchronously.
func (b *LocalBus) PublishSignOut(_ context.Context, userID string) error {
	b.mu.RLock()
	fns := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(userID)
	}
	return nil
}

// SubscribeSignOut registers fn. The returned func removes it.
func (b *LocalBus) SubscribeSignOut(fn func(userID string)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}
