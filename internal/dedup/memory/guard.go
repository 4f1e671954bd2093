// Package memory provides the in-process in-flight guard.
package memory

import (
	"context"
	"sync"
)

// Guard serializes admission of tasks sharing an id within one process. A
// second admission for an id held by an unfinished task waits until the
// holder releases; it is never skipped.
type Guard struct {
	mu      sync.Mutex
	holders map[string]chan struct{}
}

// NewGuard constructs an empty Guard.
func NewGuard() *Guard {
	return &Guard{holders: make(map[string]chan struct{})}
}

// Acquire blocks until id is free or ctx ends.
func (g *Guard) Acquire(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	for {
		g.mu.Lock()
		done, held := g.holders[id]
		if !held {
			g.holders[id] = make(chan struct{})
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

// Release frees id; the earliest waiter (if any) acquires next.
func (g *Guard) Release(id string) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if done, ok := g.holders[id]; ok {
		delete(g.holders, id)
		close(done)
	}
}
