package memory

import (
	"context"
	"sync"
)

// keyedLocks is a set of mutexes created on demand. Waiting honours
// context cancellation.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]chan struct{})}
}

func (k *keyedLocks) acquire(ctx context.Context, key string) error {
	for {
		k.mu.Lock()
		released, busy := k.held[key]
		if !busy {
			k.held[key] = make(chan struct{})
			k.mu.Unlock()
			return nil
		}
		k.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	released := k.held[key]
	delete(k.held, key)
	k.mu.Unlock()
	if released != nil {
		close(released)
	}
}
