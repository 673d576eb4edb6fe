// Package jobsync keeps the live cron scheduler in lockstep with the two
// task sources: the sqlite task table and the per-account file tasks.
package jobsync

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"signerd/internal/signtask"
	"signerd/internal/storage"
	"signerd/pkg/logx"
)

const maintenanceKey = "system-maintenance"

// DBSource yields the enabled rows of the scheduled-task table.
type DBSource interface {
	EnabledTasks(ctx context.Context) ([]storage.TaskRow, error)
}

// FileSource yields the file-based signing tasks across all accounts.
type FileSource interface {
	ListAll(force bool) ([]signtask.Task, error)
}

// Hooks are the actions jobs invoke when they fire.
type Hooks struct {
	RunDBTask   func(ctx context.Context, id int64)
	RunSignTask func(ctx context.Context, account, name string)
	Maintenance func(ctx context.Context)
}

type Config struct {
	Location      *time.Location
	MaintenanceAt string // HH:MM, daily
}

// Report lists the scheduler mutations one sync pass performed, by job key.
type Report struct {
	Added   []string
	Updated []string
	Removed []string
	Skipped []string
}

func (r Report) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

type scheduled struct {
	entry cron.EntryID
	spec  string
}

type desired struct {
	spec string
	run  func(ctx context.Context)
}

type Engine struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	db     DBSource
	files  FileSource
	hooks  Hooks
	parser cron.Parser

	c       *cron.Cron
	entries map[string]scheduled

	runCtx    context.Context
	runCancel context.CancelFunc

	// overridable in tests
	randDelay func(max time.Duration) time.Duration
	sleep     func(ctx context.Context, d time.Duration)
}

func New(cfg Config, db DBSource, files FileSource, hooks Hooks, log logx.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if strings.TrimSpace(cfg.MaintenanceAt) == "" {
		cfg.MaintenanceAt = "03:00"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:     log,
		cfg:     cfg,
		db:      db,
		files:   files,
		hooks:   hooks,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]scheduled{},
		randDelay: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max) + 1))
		},
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
	}
}

// Start brings up the cron runtime and registers the permanent maintenance
// job. Jobs fire only after Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		return nil
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	cl := cronLogger{e.log}
	e.c = cron.New(
		cron.WithParser(e.parser),
		cron.WithLocation(e.cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	// re-register jobs that survived a previous Stop
	for key, sc := range e.entries {
		key, spec := key, sc.spec
		d, ok := e.desiredForKeyLocked(key, spec)
		if !ok {
			delete(e.entries, key)
			continue
		}
		id, err := e.c.AddFunc(spec, func() { d.run(e.jobCtx()) })
		if err != nil {
			delete(e.entries, key)
			continue
		}
		e.entries[key] = scheduled{entry: id, spec: spec}
	}

	spec, err := timeToCron(e.cfg.MaintenanceAt)
	if err != nil {
		e.runCancel()
		e.c = nil
		return fmt.Errorf("maintenance schedule: %w", err)
	}
	if _, err := e.c.AddFunc(spec, func() {
		e.log.Info("maintenance fired", logx.String("job", maintenanceKey))
		if e.hooks.Maintenance != nil {
			e.hooks.Maintenance(e.jobCtx())
		}
	}); err != nil {
		e.runCancel()
		e.c = nil
		return err
	}

	e.c.Start()
	e.log.Info("scheduler started",
		logx.String("tz", e.cfg.Location.String()),
		logx.String("maintenance_at", e.cfg.MaintenanceAt))
	return nil
}

// Stop halts the cron runtime, waiting for in-flight jobs up to ctx's
// deadline. Registered jobs are kept and re-added on the next Start.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.c
	cancel := e.runCancel
	e.c = nil
	e.runCancel = nil
	e.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	e.log.Info("scheduler stopped")
}

func (e *Engine) jobCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// Sync reconciles the live scheduler against both task sources. Jobs with an
// unchanged trigger are left untouched, so a second pass with unchanged
// sources reports no mutations. A malformed trigger skips only that job.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	var rep Report

	want := map[string]desired{}

	rows, err := e.db.EnabledTasks(ctx)
	if err != nil {
		return rep, fmt.Errorf("load task table: %w", err)
	}
	for _, row := range rows {
		key := fmt.Sprintf("db-%d", row.ID)
		if _, err := e.parser.Parse(row.Cron); err != nil {
			e.log.Warn("skipping job with bad trigger", logx.String("job", key), logx.Err(err))
			rep.Skipped = append(rep.Skipped, key)
			continue
		}
		id := row.ID
		want[key] = desired{spec: row.Cron, run: func(ctx context.Context) {
			if e.hooks.RunDBTask != nil {
				e.hooks.RunDBTask(ctx, id)
			}
		}}
	}

	tasks, err := e.files.ListAll(true)
	if err != nil {
		return rep, fmt.Errorf("load file tasks: %w", err)
	}
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		key := "sign-" + t.Name
		d, err := e.desiredForTask(t)
		if err != nil {
			e.log.Warn("skipping job with bad trigger", logx.String("job", key), logx.Err(err))
			rep.Skipped = append(rep.Skipped, key)
			continue
		}
		want[key] = d
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return rep, fmt.Errorf("scheduler not started")
	}

	for key, sc := range e.entries {
		d, ok := want[key]
		if !ok {
			e.c.Remove(sc.entry)
			delete(e.entries, key)
			rep.Removed = append(rep.Removed, key)
			continue
		}
		if d.spec != sc.spec {
			if err := e.scheduleLocked(key, d); err != nil {
				rep.Skipped = append(rep.Skipped, key)
				delete(want, key)
				continue
			}
			rep.Updated = append(rep.Updated, key)
		}
		delete(want, key)
	}
	for key, d := range want {
		if err := e.scheduleLocked(key, d); err != nil {
			rep.Skipped = append(rep.Skipped, key)
			continue
		}
		rep.Added = append(rep.Added, key)
	}

	e.log.Info("sync complete",
		logx.Int("added", len(rep.Added)),
		logx.Int("updated", len(rep.Updated)),
		logx.Int("removed", len(rep.Removed)),
		logx.Int("skipped", len(rep.Skipped)))
	return rep, nil
}

// scheduleLocked replaces any existing entry for key with a freshly parsed
// one. The swap happens under the engine mutex so no concurrent sync or
// dynamic update observes a half-replaced job.
func (e *Engine) scheduleLocked(key string, d desired) error {
	id, err := e.c.AddFunc(d.spec, func() { d.run(e.jobCtx()) })
	if err != nil {
		e.log.Warn("schedule failed", logx.String("job", key), logx.Err(err))
		return err
	}
	if old, ok := e.entries[key]; ok {
		e.c.Remove(old.entry)
	}
	e.entries[key] = scheduled{entry: id, spec: d.spec}
	return nil
}

// AddOrUpdateJob upserts the single job for a file task, without a full
// sync. A disabled task removes its job.
func (e *Engine) AddOrUpdateJob(t signtask.Task) error {
	key := "sign-" + t.Name
	if !t.Enabled {
		e.RemoveJob(t.Name)
		return nil
	}
	d, err := e.desiredForTask(t)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return fmt.Errorf("scheduler not started")
	}
	if sc, ok := e.entries[key]; ok && sc.spec == d.spec {
		return nil
	}
	return e.scheduleLocked(key, d)
}

// RemoveJob drops the job for a file task, if present.
func (e *Engine) RemoveJob(name string) {
	key := "sign-" + name

	e.mu.Lock()
	defer e.mu.Unlock()
	if sc, ok := e.entries[key]; ok {
		if e.c != nil {
			e.c.Remove(sc.entry)
		}
		delete(e.entries, key)
	}
}

// Jobs returns the currently scheduled job keys and their triggers.
func (e *Engine) Jobs() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.entries))
	for key, sc := range e.entries {
		out[key] = sc.spec
	}
	return out
}

func (e *Engine) desiredForTask(t signtask.Task) (desired, error) {
	account, name := t.Account, t.Name
	runSign := func(ctx context.Context) {
		if e.hooks.RunSignTask != nil {
			e.hooks.RunSignTask(ctx, account, name)
		}
	}

	switch t.ExecutionMode {
	case signtask.ModeRange:
		spec, err := timeToCron(t.RangeStart)
		if err != nil {
			return desired{}, err
		}
		start, err := signtask.ParseHHMM(t.RangeStart)
		if err != nil {
			return desired{}, err
		}
		end, err := signtask.ParseHHMM(t.RangeEnd)
		if err != nil {
			return desired{}, err
		}
		window := time.Duration(end-start) * time.Minute
		return desired{spec: spec, run: func(ctx context.Context) {
			// fresh draw every fire, so the offset varies day to day
			delay := e.randDelay(window)
			e.log.Info("range job delayed",
				logx.String("job", "sign-"+name),
				logx.Duration("delay", delay))
			e.sleep(ctx, delay)
			if ctx.Err() != nil {
				return
			}
			runSign(ctx)
		}}, nil
	default:
		spec := strings.TrimSpace(t.SignAt)
		if converted, err := timeToCron(spec); err == nil {
			spec = converted
		}
		if _, err := e.parser.Parse(spec); err != nil {
			return desired{}, err
		}
		return desired{spec: spec, run: runSign}, nil
	}
}

// desiredForKeyLocked rebuilds the run closure for a job re-registered on
// restart. DB jobs carry their id in the key; file jobs need a source
// lookup, which the next Sync will repair anyway, so a best-effort stub is
// acceptable only for db keys.
func (e *Engine) desiredForKeyLocked(key, spec string) (desired, bool) {
	if rest, ok := strings.CutPrefix(key, "db-"); ok {
		var id int64
		if _, err := fmt.Sscanf(rest, "%d", &id); err != nil {
			return desired{}, false
		}
		return desired{spec: spec, run: func(ctx context.Context) {
			if e.hooks.RunDBTask != nil {
				e.hooks.RunDBTask(ctx, id)
			}
		}}, true
	}
	if name, ok := strings.CutPrefix(key, "sign-"); ok {
		tasks, err := e.files.ListAll(false)
		if err != nil {
			return desired{}, false
		}
		for _, t := range tasks {
			if t.Name == name && t.Enabled {
				d, err := e.desiredForTask(t)
				if err != nil {
					return desired{}, false
				}
				return d, true
			}
		}
	}
	return desired{}, false
}

// timeToCron converts "HH:MM" to a daily five-field cron expression.
func timeToCron(hhmm string) (string, error) {
	total, err := signtask.ParseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", total%60, total/60), nil
}

// cronLogger adapts logx to the cron.Logger interface so recover and
// skip-if-running chains report through the service log.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
