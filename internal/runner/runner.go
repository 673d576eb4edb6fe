// Package runner executes signing runs under the full concurrency regime:
// per-account lock, cooldown, global admission gate, connect rate limit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"signerd/internal/cooldown"
	"signerd/internal/gate"
	"signerd/internal/locks"
	"signerd/pkg/remote"
	"signerd/internal/runtrack"
	"signerd/internal/session"
	"signerd/internal/signtask"
	"signerd/internal/storage"
	"signerd/pkg/logx"
)

// ErrMustRelogin is returned when the stored session turned out to be
// revoked or expired; the account's session and chat cache are already
// cleaned up when callers see it.
var ErrMustRelogin = errors.New("stored session is invalid, log in again")

// releaseBuffer keeps the account lock held briefly after a successful run
// so the remote client's local storage lock is fully released before the
// next run for the same account connects.
const releaseBuffer = 2 * time.Second

var lockedRetryDelays = []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second}

// HistorySink records finished runs.
type HistorySink interface {
	AppendRun(ctx context.Context, e storage.RunEntry) error
}

type Runner struct {
	log      logx.Logger
	locks    *locks.Registry
	gate     *gate.Gate
	cool     *cooldown.Tracker
	runs     *runtrack.Tracker
	sessions *session.Store
	tasks    *signtask.Store
	history  HistorySink
	cap      remote.Capability
	limiter  *rate.Limiter

	// overridable in tests
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration)
	retryDelays []time.Duration
	buffer      time.Duration
}

type Deps struct {
	Locks    *locks.Registry
	Gate     *gate.Gate
	Cooldown *cooldown.Tracker
	Runs     *runtrack.Tracker
	Sessions *session.Store
	Tasks    *signtask.Store
	History  HistorySink
	Remote   remote.Capability
	// ConnectRatePerSec caps how fast new remote connections are opened
	// across all accounts. Zero disables the limit.
	ConnectRatePerSec int
	Log               logx.Logger
}

func New(d Deps) *Runner {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if d.ConnectRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.ConnectRatePerSec), d.ConnectRatePerSec)
	}
	return &Runner{
		log:      log,
		locks:    d.Locks,
		gate:     d.Gate,
		cool:     d.Cooldown,
		runs:     d.Runs,
		sessions: d.Sessions,
		tasks:    d.Tasks,
		history:  d.History,
		cap:      d.Remote,
		limiter:  limiter,
		now:      time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			if d <= 0 {
				return
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
		retryDelays: lockedRetryDelays,
		buffer:      releaseBuffer,
	}
}

// RunTask executes one signing run for (account, task). Concurrent calls
// for the same pair fail fast with runtrack.ErrAlreadyRunning; calls for
// the same account on different tasks queue behind the account lock.
func (r *Runner) RunTask(ctx context.Context, account, task string) error {
	h, err := r.runs.Start(account, task)
	if err != nil {
		return err
	}

	var runErr error
	defer func() {
		h.Finish()
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		if err := r.history.AppendRun(context.Background(), storage.RunEntry{
			Account: account,
			Task:    task,
			OK:      runErr == nil,
			Message: msg,
			At:      r.now().UTC(),
		}); err != nil {
			r.log.Warn("record run failed", logx.String("account", account), logx.Err(err))
		}
	}()

	lock := r.locks.For(account)
	h.Append("waiting for account lock")
	if err := lock.Acquire(ctx); err != nil {
		runErr = err
		return runErr
	}
	// The end timestamp must be visible before the lock is released, or a
	// run queued on the lock could read a stale cooldown.
	defer func() {
		r.cool.RecordEnd(account)
		lock.Release()
	}()

	if wait := r.cool.Wait(account); wait > 0 {
		h.Append(fmt.Sprintf("waiting %s for account cooldown", wait.Round(time.Second)))
		r.sleep(ctx, wait)
	}
	if ctx.Err() != nil {
		runErr = ctx.Err()
		return runErr
	}

	h.Append(fmt.Sprintf("starting task %s (account %s)", task, account))
	runErr = r.withGate(ctx, func(ctx context.Context) error {
		return r.signWithRetries(ctx, account, task, h)
	})
	if runErr != nil {
		h.Append("task failed: " + runErr.Error())
		if remote.IsSessionInvalid(runErr) {
			r.cleanupInvalidSession(account)
			runErr = fmt.Errorf("%w: %s", ErrMustRelogin, runErr)
		}
		r.log.Warn("run failed",
			logx.String("account", account),
			logx.String("task", task),
			logx.Err(runErr))
		return runErr
	}

	h.Append("task completed")
	r.sleep(ctx, r.buffer)
	r.log.Info("run completed", logx.String("account", account), logx.String("task", task))
	return nil
}

// withGate wraps only the remote-facing section in an admission slot, so
// local waiting (lock, cooldown) never occupies gate capacity.
func (r *Runner) withGate(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.gate.Acquire(ctx); err != nil {
		return err
	}
	defer r.gate.Release()
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func (r *Runner) signWithRetries(ctx context.Context, account, task string, h *runtrack.Handle) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = r.cap.RunSigningPass(ctx, account, task, h.Append)
		if err == nil || !errors.Is(err, remote.ErrStorageLocked) {
			return err
		}
		if attempt >= len(r.retryDelays) {
			return err
		}
		delay := r.retryDelays[attempt]
		h.Append(fmt.Sprintf("session storage locked, retrying in %s", delay))
		r.sleep(ctx, delay)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunDBTask handles a fire of a table-backed job. The row is re-read so a
// disable or delete between sync passes suppresses the run.
func (r *Runner) RunDBTask(ctx context.Context, store *storage.Store, id int64, exec func(ctx context.Context, row storage.TaskRow) error) {
	rows, err := store.EnabledTasks(ctx)
	if err != nil {
		r.log.Warn("db task lookup failed", logx.Int64("id", id), logx.Err(err))
		return
	}
	for _, row := range rows {
		if row.ID != id {
			continue
		}
		if exec == nil {
			r.log.Debug("db task has no executor", logx.Int64("id", id))
			return
		}
		if err := exec(ctx, row); err != nil {
			r.log.Warn("db task failed", logx.Int64("id", id), logx.Err(err))
		}
		return
	}
	r.log.Debug("db task vanished or disabled, skipping", logx.Int64("id", id))
}

// RefreshChats re-fetches the account's dialog list and stores it in the
// chat cache, under the same lock and gate regime as a run.
func (r *Runner) RefreshChats(ctx context.Context, account string) ([]remote.Dialog, error) {
	lock := r.locks.For(account)
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer lock.Release()

	var dialogs []remote.Dialog
	err := r.withGate(ctx, func(ctx context.Context) error {
		blob, ok := r.sessions.Load(account)
		if !ok {
			return remote.SessionInvalid(errors.New("no stored session"))
		}
		client, err := r.cap.Dial(ctx, remote.DialOptions{
			Account:     account,
			SessionBlob: blob,
			Proxy:       r.sessions.Proxy(account),
		})
		if err != nil {
			return err
		}
		defer client.Close(context.Background())
		if err := client.Connect(ctx); err != nil {
			return err
		}
		dialogs, err = client.ListDialogs(ctx, 0)
		return err
	})
	if err != nil {
		if remote.IsSessionInvalid(err) {
			r.cleanupInvalidSession(account)
			return nil, fmt.Errorf("%w: %s", ErrMustRelogin, err)
		}
		return nil, err
	}

	if err := r.tasks.SaveChats(account, dialogs); err != nil {
		r.log.Warn("chat cache write failed", logx.String("account", account), logx.Err(err))
	}
	return dialogs, nil
}

// cleanupInvalidSession drops everything derived from a dead session so
// the account presents as logged-out instead of failing forever.
func (r *Runner) cleanupInvalidSession(account string) {
	if err := r.sessions.Delete(account); err != nil {
		r.log.Warn("session cleanup failed", logx.String("account", account), logx.Err(err))
	}
	if err := r.tasks.DeleteChats(account); err != nil {
		r.log.Warn("chat cache cleanup failed", logx.String("account", account), logx.Err(err))
	}
	r.log.Info("invalid session cleaned up", logx.String("account", account))
}
