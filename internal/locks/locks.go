// Package locks provides the process-wide registry of per-account mutexes.
//
// Every code path that touches an account's session state (scheduled runs,
// manual runs, both login flows, chat refreshes) must hold that account's
// lock. Locks are created lazily on first reference and never removed; the
// registry is bounded by the number of distinct accounts ever seen.
package locks

import (
	"context"
	"sync"
)

// Lock is a context-aware, non-reentrant mutex for one account.
//
// Acquire blocks until the lock is free or ctx is done. Release is
// best-effort: releasing an unheld lock is a no-op, so disposal paths that
// may race (timer vs. explicit cancel) can call it safely.
type Lock struct {
	ch chan struct{}
}

func newLock() *Lock {
	l := &Lock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires the lock without blocking; reports whether it succeeded.
func (l *Lock) TryAcquire() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Release returns the lock. Never blocks; releasing an unheld lock is a no-op.
func (l *Lock) Release() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Locked reports whether the lock is currently held. Advisory only: the
// answer can be stale by the time the caller acts on it.
func (l *Lock) Locked() bool { return len(l.ch) == 0 }

// Registry maps account names to their locks.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

func NewRegistry() *Registry {
	return &Registry{locks: map[string]*Lock{}}
}

// For returns the lock for account, creating it on first reference.
// Concurrent calls for the same new account return the same lock.
func (r *Registry) For(account string) *Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[account]
	if !ok {
		l = newLock()
		r.locks[account] = l
	}
	return l
}

// Len reports how many accounts have been referenced.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
