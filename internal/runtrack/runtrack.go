// Package runtrack tracks in-flight executions keyed by (account, task),
// buffers their log lines for observers, and cleans records up a while after
// completion so late readers can still fetch the tail.
package runtrack

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start when a run for the same
// (account, task) key is still in flight.
var ErrAlreadyRunning = errors.New("task already running")

const (
	// maxLogLines bounds each record's buffer; oldest lines are dropped.
	maxLogLines = 1000

	// defaultRemoveAfter is how long a finished record stays queryable.
	defaultRemoveAfter = 60 * time.Second
)

type Key struct {
	Account string
	Task    string
}

type record struct {
	running bool
	logs    []string
	started time.Time

	// removal is the pending delayed-cleanup timer; a new Start for the
	// same key stops it and reuses the record.
	removal *time.Timer
}

type Tracker struct {
	mu          sync.Mutex
	recs        map[Key]*record
	removeAfter time.Duration
	now         func() time.Time
}

func New() *Tracker {
	return &Tracker{
		recs:        map[Key]*record{},
		removeAfter: defaultRemoveAfter,
		now:         time.Now,
	}
}

// Start registers a run for (account, task) and returns a log-appender
// handle. Fails with ErrAlreadyRunning if the key is already in flight.
// A pending delayed removal for the key is cancelled.
func (t *Tracker) Start(account, task string) (*Handle, error) {
	key := Key{Account: account, Task: task}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.recs[key]
	if rec != nil && rec.running {
		return nil, ErrAlreadyRunning
	}
	if rec != nil && rec.removal != nil {
		rec.removal.Stop()
		rec.removal = nil
	}
	fresh := &record{running: true, started: t.now()}
	t.recs[key] = fresh
	return &Handle{t: t, key: key, rec: fresh}, nil
}

// IsRunning reports whether a run for (account, task) is in flight.
// With an empty account it matches by task name alone (backward-compatible
// lookup); exact keys are preferred when the account is known.
func (t *Tracker) IsRunning(account, task string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if account != "" {
		rec := t.recs[Key{Account: account, Task: task}]
		return rec != nil && rec.running
	}
	for k, rec := range t.recs {
		if k.Task == task && rec.running {
			return true
		}
	}
	return false
}

// Logs returns a copy of the buffered log lines for (account, task).
// With an empty account it returns the first record matching the task name.
func (t *Tracker) Logs(account, task string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if account != "" {
		if rec := t.recs[Key{Account: account, Task: task}]; rec != nil {
			return append([]string(nil), rec.logs...)
		}
		return nil
	}
	for k, rec := range t.recs {
		if k.Task == task {
			return append([]string(nil), rec.logs...)
		}
	}
	return nil
}

// Handle appends log lines to one run and marks it finished. It is bound to
// the record its Start created: once a newer run replaces that record, the
// stale handle's calls become no-ops instead of touching the new run.
type Handle struct {
	t   *Tracker
	key Key
	rec *record
}

// current reports whether the tracker still maps h's key to h's own record.
// Callers must hold the tracker mutex.
func (h *Handle) current() bool {
	return h.t.recs[h.key] == h.rec
}

func (h *Handle) Append(line string) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if !h.current() {
		return
	}
	h.rec.logs = append(h.rec.logs, line)
	if len(h.rec.logs) > maxLogLines {
		h.rec.logs = h.rec.logs[len(h.rec.logs)-maxLogLines:]
	}
}

// Finish clears the running flag and schedules removal of the record after
// the retention window, unless a new run for the same key starts first.
func (h *Handle) Finish() {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if !h.current() {
		return
	}
	h.rec.running = false
	h.rec.removal = time.AfterFunc(h.t.removeAfter, func() {
		h.t.mu.Lock()
		defer h.t.mu.Unlock()
		if h.current() {
			delete(h.t.recs, h.key)
		}
	})
}
