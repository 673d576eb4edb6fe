// Package app wires the coordinator together: config, logging, storage,
// the concurrency primitives, the scheduler, and the login flows. It is the
// only entry point the surrounding application (CLI, HTTP layer) calls.
package app

import (
	"context"
	"fmt"
	"time"

	"signerd/internal/config"
	"signerd/internal/cooldown"
	"signerd/internal/gate"
	"signerd/internal/jobsync"
	"signerd/internal/locks"
	"signerd/internal/login"
	"signerd/pkg/remote"
	"signerd/internal/runner"
	"signerd/internal/runtrack"
	"signerd/internal/session"
	"signerd/internal/signtask"
	"signerd/internal/storage"
	"signerd/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     *config.Config
	res     config.Resolved

	log  logx.Logger
	logs *logx.Service

	store    *storage.Store
	sessions *session.Store
	tasks    *signtask.Store

	locks *locks.Registry
	gate  *gate.Gate
	cool  *cooldown.Tracker
	runs  *runtrack.Tracker

	runner *runner.Runner
	engine *jobsync.Engine
	login  *login.Coordinator
	qr     *login.QrCoordinator

	// dbExec runs the body of a table-backed job. The embedding application
	// sets it before Start; the coordinator only schedules the fire.
	dbExec func(ctx context.Context, row storage.TaskRow) error

	watchCancel context.CancelFunc
}

// New wires the coordinator. A non-nil driver is used as-is; with nil the
// configured driver name is resolved against the remote registry, which a
// protocol driver package populates from its init.
func New(cfgPath string, driver remote.Capability) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	res := cfg.Resolve()

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	sessions, err := session.New(cfg.SessionDir())
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}
	tasks, err := signtask.NewStore(cfg.SignsDir())
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}

	if driver == nil {
		driver, err = remote.Open(remote.Config{
			Driver:     cfg.Remote.Driver,
			APIID:      cfg.Remote.APIID,
			APIHash:    cfg.Remote.APIHash,
			NoUpdates:  cfg.Remote.NoUpdates,
			SessionDir: cfg.SessionDir(),
		})
		if err != nil {
			_ = store.Close()
			logs.Close()
			return nil, fmt.Errorf("remote: %w", err)
		}
	}

	lockReg := locks.NewRegistry()
	admission := gate.New(res.GlobalConcurrency)
	cool := cooldown.New(res.AccountCooldown)
	runs := runtrack.New()

	run := runner.New(runner.Deps{
		Locks:             lockReg,
		Gate:              admission,
		Cooldown:          cool,
		Runs:              runs,
		Sessions:          sessions,
		Tasks:             tasks,
		History:           store,
		Remote:            driver,
		ConnectRatePerSec: res.ConnectRatePerSec,
		Log:               log.With(logx.String("comp", "runner")),
	})

	loc := time.Local
	if tz := cfg.Scheduler.Timezone; tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			_ = store.Close()
			logs.Close()
			return nil, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	a := &App{
		cfgPath:  cfgPath,
		cfg:      cfg,
		res:      res,
		log:      log,
		logs:     logs,
		store:    store,
		sessions: sessions,
		tasks:    tasks,
		locks:    lockReg,
		gate:     admission,
		cool:     cool,
		runs:     runs,
		runner:   run,
	}

	a.engine = jobsync.New(jobsync.Config{
		Location:      loc,
		MaintenanceAt: res.MaintenanceAt,
	}, store, tasks, jobsync.Hooks{
		RunSignTask: func(ctx context.Context, account, name string) {
			_ = run.RunTask(ctx, account, name)
		},
		RunDBTask: func(ctx context.Context, id int64) {
			run.RunDBTask(ctx, store, id, a.dbExec)
		},
		Maintenance: a.maintenance,
	}, log.With(logx.String("comp", "jobsync")))

	loginDeps := login.Deps{
		Locks:    lockReg,
		Gate:     admission,
		Sessions: sessions,
		Dialer:   driver,
		Log:      log.With(logx.String("comp", "login")),
	}
	a.login = login.NewCoordinator(loginDeps)
	a.qr = login.NewQrCoordinator(loginDeps)

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if rep, err := a.Sync(ctx); err != nil {
		a.log.Warn("initial sync failed", logx.Err(err))
	} else if !rep.Empty() {
		a.log.Info("initial sync",
			logx.Int("added", len(rep.Added)),
			logx.Int("removed", len(rep.Removed)))
	}

	// hot-reload covers logging only; concurrency bounds are start-time fixed
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	go func() {
		err := config.Watch(watchCtx, a.cfgPath, a.log.With(logx.String("comp", "config")), func(cfg *config.Config) {
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config reloaded", logx.String("level", cfg.Logging.Level))
		})
		if err != nil && watchCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("started",
		logx.Int("global_concurrency", a.res.GlobalConcurrency),
		logx.Duration("account_cooldown", a.res.AccountCooldown))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.engine.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// maintenance is the permanent daily job: prune old run history.
func (a *App) maintenance(ctx context.Context) {
	cutoff := time.Now().Add(-a.res.HistoryRetention)
	n, err := a.store.PruneRuns(ctx, cutoff)
	if err != nil {
		a.log.Warn("history prune failed", logx.Err(err))
		return
	}
	a.log.Info("history pruned", logx.Int64("removed", n))
}

// SetDBTaskExecutor installs the body for table-backed jobs. Must be called
// before Start.
func (a *App) SetDBTaskExecutor(fn func(ctx context.Context, row storage.TaskRow) error) {
	a.dbExec = fn
}

// ---- CRUD-facing operations ----

// CreateTask adds a row to the scheduled-task table; the job appears on the
// next Sync.
func (a *App) CreateTask(ctx context.Context, cron string, enabled bool) (int64, error) {
	return a.store.CreateTask(ctx, cron, enabled)
}

func (a *App) UpdateDBTask(ctx context.Context, id int64, cron string, enabled bool) error {
	return a.store.UpdateTask(ctx, id, cron, enabled)
}

func (a *App) DeleteDBTask(ctx context.Context, id int64) error {
	return a.store.DeleteTask(ctx, id)
}

// Sync reconciles the scheduler against both task sources.
func (a *App) Sync(ctx context.Context) (jobsync.Report, error) {
	return a.engine.Sync(ctx)
}

// SaveTask persists a file task and updates its job immediately.
func (a *App) SaveTask(t signtask.Task) error {
	if err := a.tasks.Put(t); err != nil {
		return err
	}
	return a.engine.AddOrUpdateJob(t)
}

// DeleteTask removes a file task and its job.
func (a *App) DeleteTask(account, name string) error {
	if err := a.tasks.Delete(account, name); err != nil {
		return err
	}
	a.engine.RemoveJob(name)
	return nil
}

func (a *App) GetTask(account, name string) (signtask.Task, error) {
	return a.tasks.Get(account, name)
}

func (a *App) ListTasks(account string, force bool) ([]signtask.Task, error) {
	return a.tasks.List(account, force)
}

func (a *App) IsTaskRunning(account, task string) bool {
	return a.runs.IsRunning(account, task)
}

func (a *App) ReadActiveLogs(account, task string) []string {
	return a.runs.Logs(account, task)
}

func (a *App) AccountHistory(ctx context.Context, account string, limit int) ([]storage.RunEntry, error) {
	return a.store.AccountHistory(ctx, account, limit)
}

func (a *App) ClearAccountHistory(ctx context.Context, account string) (int64, error) {
	return a.store.ClearAccountHistory(ctx, account)
}

// RunTaskNow triggers one run outside the schedule, under the same
// concurrency regime as a scheduled fire.
func (a *App) RunTaskNow(ctx context.Context, account, task string) error {
	return a.runner.RunTask(ctx, account, task)
}

func (a *App) RefreshChats(ctx context.Context, account string) ([]remote.Dialog, error) {
	return a.runner.RefreshChats(ctx, account)
}

func (a *App) CachedChats(account string) ([]remote.Dialog, error) {
	return a.tasks.LoadChats(account)
}

func (a *App) Accounts() []string {
	return a.sessions.Accounts()
}

// ---- login-facing operations ----

func (a *App) StartLogin(ctx context.Context, account, phone, proxy string) (string, error) {
	return a.login.Start(ctx, account, phone, proxy)
}

func (a *App) VerifyLogin(ctx context.Context, account, phone, code, codeHash, password string) (remote.User, error) {
	return a.login.Verify(ctx, account, phone, code, codeHash, password)
}

func (a *App) StartQRLogin(ctx context.Context, account, proxy string) (login.StartResult, error) {
	return a.qr.Start(ctx, account, proxy)
}

func (a *App) PollQRLogin(ctx context.Context, loginID string) login.PollResult {
	return a.qr.Poll(ctx, loginID)
}

func (a *App) CancelQRLogin(loginID string) bool {
	return a.qr.Cancel(loginID)
}
