// Package signtask manages per-account signing-task definitions stored as
// files, the second task source for job reconciliation.
//
// Layout under the signs directory:
//
//	<account>/<task>/config.json  one task definition
//	<account>/chats_cache.json    cached dialog list for the account
package signtask

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"signerd/pkg/remote"
)

// Execution modes. Fixed fires exactly at SignAt; range adds a uniform random
// delay between RangeStart and RangeEnd minutes, drawn fresh every fire.
const (
	ModeFixed = "fixed"
	ModeRange = "range"
)

var ErrNotFound = errors.New("signing task not found")

// Task is one scheduled signing task for an account.
//
// Fixed mode fires at SignAt, which is either an HH:MM time-of-day or a
// literal cron expression. Range mode fires at RangeStart and then waits a
// uniform random delay of up to (RangeEnd - RangeStart) before acting.
type Task struct {
	Name          string `json:"name"`
	Account       string `json:"account"`
	SignAt        string `json:"sign_at,omitempty"`
	ExecutionMode string `json:"execution_mode"`
	RangeStart    string `json:"range_start,omitempty"` // HH:MM
	RangeEnd      string `json:"range_end,omitempty"`   // HH:MM
	Enabled       bool   `json:"enabled"`
}

func (t *Task) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	if strings.ContainsAny(t.Name, `/\`) {
		return fmt.Errorf("task name %q contains path separators", t.Name)
	}
	if strings.TrimSpace(t.Account) == "" {
		return errors.New("task account is required")
	}
	switch t.ExecutionMode {
	case ModeFixed:
		if strings.TrimSpace(t.SignAt) == "" {
			return errors.New("sign_at is required for fixed tasks")
		}
	case ModeRange:
		start, err := ParseHHMM(t.RangeStart)
		if err != nil {
			return fmt.Errorf("range_start: %w", err)
		}
		end, err := ParseHHMM(t.RangeEnd)
		if err != nil {
			return fmt.Errorf("range_end: %w", err)
		}
		if end < start {
			return fmt.Errorf("range %s..%s is inverted", t.RangeStart, t.RangeEnd)
		}
	default:
		return fmt.Errorf("unknown execution mode %q", t.ExecutionMode)
	}
	return nil
}

// ParseHHMM parses an HH:MM string into minutes since midnight.
func ParseHHMM(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("time %q is out of range", s)
	}
	return hh*60 + mm, nil
}

// Store reads and writes task definitions, with an in-memory cache per
// account that survives until a write or a forced reload invalidates it.
type Store struct {
	mu    sync.Mutex
	dir   string
	cache map[string][]Task
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, cache: map[string][]Task{}}, nil
}

func (s *Store) accountDir(account string) string { return filepath.Join(s.dir, account) }

func (s *Store) configPath(account, name string) string {
	return filepath.Join(s.dir, account, name, "config.json")
}

// List returns the tasks defined for account, sorted by name. Results are
// cached; pass force to re-read from disk.
func (s *Store) List(account string, force bool) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		if tasks, ok := s.cache[account]; ok {
			return append([]Task(nil), tasks...), nil
		}
	}
	tasks, err := s.scan(account)
	if err != nil {
		return nil, err
	}
	s.cache[account] = tasks
	return append([]Task(nil), tasks...), nil
}

// ListAll returns tasks for every account that has a directory.
func (s *Store) ListAll(force bool) ([]Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tasks, err := s.List(e.Name(), force)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

func (s *Store) scan(account string) ([]Task, error) {
	entries, err := os.ReadDir(s.accountDir(account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var tasks []Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.configPath(account, e.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var t Task
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("task %s/%s: %w", account, e.Name(), err)
		}
		t.Account = account
		t.Name = e.Name()
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

func (s *Store) Get(account, name string) (Task, error) {
	tasks, err := s.List(account, false)
	if err != nil {
		return Task{}, err
	}
	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return Task{}, ErrNotFound
}

// Put creates or replaces a task definition and invalidates the cache.
func (s *Store) Put(t Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.configPath(t.Account, t.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	delete(s.cache, t.Account)
	return nil
}

// Delete removes the task's directory. Missing tasks are not an error.
func (s *Store) Delete(account, name string) error {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return fmt.Errorf("task name %q is invalid", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.dir, account, name)); err != nil {
		return err
	}
	delete(s.cache, account)
	return nil
}

// ---- chat cache ----

func (s *Store) chatCachePath(account string) string {
	return filepath.Join(s.dir, account, "chats_cache.json")
}

// SaveChats stores the account's dialog list for offline browsing.
func (s *Store) SaveChats(account string, dialogs []remote.Dialog) error {
	if err := os.MkdirAll(s.accountDir(account), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(dialogs, "", "  ")
	if err != nil {
		return err
	}
	path := s.chatCachePath(account)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) LoadChats(account string) ([]remote.Dialog, error) {
	b, err := os.ReadFile(s.chatCachePath(account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dialogs []remote.Dialog
	if err := json.Unmarshal(b, &dialogs); err != nil {
		return nil, err
	}
	return dialogs, nil
}

// DeleteChats drops the cached dialog list, e.g. after a session turns
// invalid.
func (s *Store) DeleteChats(account string) error {
	if err := os.Remove(s.chatCachePath(account)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
