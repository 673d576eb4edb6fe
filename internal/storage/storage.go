// Package storage is the sqlite persistence layer: the scheduled-task table
// (first task source for job reconciliation) and per-account run history.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"signerd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// TaskRow is one row of the scheduled-task table.
type TaskRow struct {
	ID      int64
	Cron    string
	Enabled bool
}

// RunEntry is one run-history record.
type RunEntry struct {
	Account string
	Task    string
	OK      bool
	Message string
	At      time.Time
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite ready", logx.String("path", cfg.Path))
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

// EnabledTasks returns the enabled rows, queried fresh each call.
func (s *Store) EnabledTasks(ctx context.Context) ([]TaskRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, cron, enabled FROM tasks WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var r TaskRow
		var enabled int
		if err := rows.Scan(&r.ID, &r.Cron, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, cron string, enabled bool) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks (cron, enabled) VALUES (?, ?)`, cron, boolToInt(enabled))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateTask(ctx context.Context, id int64, cron string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET cron = ?, enabled = ? WHERE id = ?`, cron, boolToInt(enabled), id)
	return err
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// ---- run history ----

func (s *Store) AppendRun(ctx context.Context, e RunEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_history (account, task, ok, message, at) VALUES (?, ?, ?, ?, ?)`,
		e.Account, e.Task, boolToInt(e.OK), e.Message, e.At.Unix())
	return err
}

// AccountHistory returns the most recent entries for account, newest first.
func (s *Store) AccountHistory(ctx context.Context, account string, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, task, ok, message, at FROM run_history WHERE account = ? ORDER BY at DESC, id DESC LIMIT ?`,
		account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var ok int
		var at int64
		if err := rows.Scan(&e.Account, &e.Task, &ok, &e.Message, &at); err != nil {
			return nil, err
		}
		e.OK = ok != 0
		e.At = time.Unix(at, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearAccountHistory removes all history for one account.
func (s *Store) ClearAccountHistory(ctx context.Context, account string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_history WHERE account = ?`, account)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneRuns deletes history older than cutoff; returns rows removed.
// Called by the daily maintenance job.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_history WHERE at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		s.log.Debug("run history pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
