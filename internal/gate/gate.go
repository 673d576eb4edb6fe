// Package gate bounds the number of concurrently open remote sessions
// process-wide with a single counting semaphore shared by every account.
package gate

import "context"

// Gate is a channel-based counting semaphore. Tokens are pre-filled up to the
// configured size; Acquire takes one, Release puts one back.
type Gate struct {
	size int
	ch   chan struct{}
}

// New creates a gate admitting up to size concurrent sessions. Sizes below 1
// are clamped to 1.
func New(size int) *Gate {
	if size <= 0 {
		size = 1
	}
	g := &Gate{size: size, ch: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		g.ch <- struct{}{}
	}
	return g
}

func (g *Gate) Size() int { return g.size }

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Never blocks; extra releases are dropped.
func (g *Gate) Release() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// InUse reports how many slots are currently held. Advisory only.
func (g *Gate) InUse() int { return g.size - len(g.ch) }
