// Package session persists portable session blobs for accounts.
//
// Layout under the session directory:
//
//	accounts.json            index: blob + profile (proxy, remark) per account
//	<account>.session_string one blob per account, for interop/backup
//
// Writes go through a temp file + rename so a crash never leaves a torn
// index behind.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	SessionString string `json:"session_string,omitempty"`
	Proxy         string `json:"proxy,omitempty"`
	Remark        string `json:"remark,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type index struct {
	Accounts map[string]*entry `json:"accounts"`
}

type Store struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "accounts.json") }

func (s *Store) blobPath(account string) string {
	return filepath.Join(s.dir, account+".session_string")
}

func (s *Store) load() index {
	var idx index
	b, err := os.ReadFile(s.indexPath())
	if err == nil {
		_ = json.Unmarshal(b, &idx)
	}
	if idx.Accounts == nil {
		idx.Accounts = map[string]*entry{}
	}
	return idx
}

func (s *Store) save(idx index) error {
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

// Persist stores the portable session blob for account, overwriting any
// previous one.
func (s *Store) Persist(account, blob string) error {
	blob = strings.TrimSpace(blob)
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	e := idx.Accounts[account]
	if e == nil {
		e = &entry{}
		idx.Accounts[account] = e
	}
	e.SessionString = blob
	e.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.save(idx); err != nil {
		return err
	}
	return os.WriteFile(s.blobPath(account), []byte(blob), 0o600)
}

// Load returns the stored blob for account. Falls back to the standalone
// blob file when the index has no entry (e.g. hand-imported sessions).
func (s *Store) Load(account string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	if e := idx.Accounts[account]; e != nil && e.SessionString != "" {
		return e.SessionString, true
	}
	b, err := os.ReadFile(s.blobPath(account))
	if err != nil {
		return "", false
	}
	blob := strings.TrimSpace(string(b))
	return blob, blob != ""
}

// Valid reports whether account has a stored session.
func (s *Store) Valid(account string) bool {
	_, ok := s.Load(account)
	return ok
}

// Delete removes the account's session and profile. Used when stored
// credentials turn out to be revoked/expired.
func (s *Store) Delete(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	if _, ok := idx.Accounts[account]; ok {
		delete(idx.Accounts, account)
		if err := s.save(idx); err != nil {
			return err
		}
	}
	if err := os.Remove(s.blobPath(account)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Accounts lists account names with any stored state, sorted.
func (s *Store) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	seen := map[string]bool{}
	for name := range idx.Accounts {
		seen[name] = true
	}
	matches, _ := filepath.Glob(filepath.Join(s.dir, "*.session_string"))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".session_string")
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetProfile updates proxy/remark for account; empty values leave the field
// unchanged.
func (s *Store) SetProfile(account, proxy, remark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	e := idx.Accounts[account]
	if e == nil {
		e = &entry{}
		idx.Accounts[account] = e
	}
	if proxy != "" {
		e.Proxy = strings.TrimSpace(proxy)
	}
	if remark != "" {
		e.Remark = strings.TrimSpace(remark)
	}
	e.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	return s.save(idx)
}

// Proxy returns the configured proxy for account, if any.
func (s *Store) Proxy(account string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.load().Accounts[account]; e != nil {
		return e.Proxy
	}
	return ""
}
