// Package cooldown enforces minimum spacing between the end of one run and
// the start of the next for the same account. State is in-memory only and
// resets on restart.
package cooldown

import (
	"sync"
	"time"
)

type Tracker struct {
	mu      sync.Mutex
	lastEnd map[string]time.Time
	d       time.Duration
	now     func() time.Time
}

func New(d time.Duration) *Tracker {
	return &Tracker{
		lastEnd: map[string]time.Time{},
		d:       d,
		now:     time.Now,
	}
}

// Wait returns how long the caller must sleep before starting a run for
// account: max(0, cooldown - (now - lastEnd)), or 0 with no prior record.
// Callers sleep inside the account lock so the spacing holds across trigger
// sources.
func (t *Tracker) Wait(account string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	end, ok := t.lastEnd[account]
	if !ok {
		return 0
	}
	remain := t.d - t.now().Sub(end)
	if remain < 0 {
		return 0
	}
	return remain
}

// RecordEnd stores the completion timestamp for account, overwriting any
// prior value. Called unconditionally on run completion, success or failure.
func (t *Tracker) RecordEnd(account string) {
	t.mu.Lock()
	t.lastEnd[account] = t.now()
	t.mu.Unlock()
}

func (t *Tracker) Cooldown() time.Duration { return t.d }
