// Package remote defines the boundary to the messaging-protocol client.
//
// The coordinator never speaks the wire protocol itself: it drives a Client
// obtained from a Capability and classifies the typed errors the
// implementation maps protocol failures onto. A Capability is either handed
// to the application directly or, database/sql style, produced by Open from
// a driver that registered itself in its package init (link the driver in
// with a blank import). Tests use fakes.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config identifies the driver and API credentials.
type Config struct {
	Driver    string
	APIID     int
	APIHash   string
	NoUpdates bool

	// SessionDir is where file-backed drivers keep native session state.
	SessionDir string
}

// DialOptions select the account and session material for one client.
type DialOptions struct {
	Account string

	// SessionBlob is the portable session representation, if any. Empty for
	// login flows, which authenticate from scratch.
	SessionBlob string

	Proxy string
}

// User is the authenticated identity reported by the remote side.
type User struct {
	ID        int64
	FirstName string
	Username  string
}

// Dialog is one conversation visible to the account.
type Dialog struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
	Kind     string `json:"type"`
}

// LoginToken is the exported QR credential.
type LoginToken struct {
	Token     []byte
	ExpiresAt time.Time
	DC        int
}

// ImportKind classifies the outcome of re-submitting a login token.
type ImportKind int

const (
	// ImportPending: not confirmed yet; Token/ExpiresAt may be refreshed.
	ImportPending ImportKind = iota
	// ImportMigrate: the token must be re-submitted against another DC.
	ImportMigrate
	// ImportSuccess: the device scan was confirmed; the session is live.
	ImportSuccess
)

type ImportResult struct {
	Kind      ImportKind
	Token     []byte
	ExpiresAt time.Time
	DC        int
	User      User
}

// Client is one open protocol session.
//
// Close tears the connection down and returns only once the underlying
// resources (native session storage included) are released, so callers can
// safely reopen the same account immediately after.
type Client interface {
	Connect(ctx context.Context) error

	SendCode(ctx context.Context, phone string) (codeHash string, err error)
	SignIn(ctx context.Context, phone, codeHash, code string) (User, error)
	CheckPassword(ctx context.Context, password string) (User, error)

	ExportSession(ctx context.Context) (string, error)

	ExportLoginToken(ctx context.Context) (LoginToken, error)
	ImportLoginToken(ctx context.Context, token []byte, dc int) (ImportResult, error)
	// OnLoginToken registers fn to run when the remote side reports a scan
	// of the exported token. The returned func removes the listener.
	OnLoginToken(fn func()) (remove func())

	ListDialogs(ctx context.Context, limit int) ([]Dialog, error)

	Close(ctx context.Context) error
}

// Dialer produces clients for accounts.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Client, error)
}

// Signer runs one signing pass for a task. How the pass decides which
// conversations to touch is the implementation's business.
type Signer interface {
	RunSigningPass(ctx context.Context, account, task string, logf func(string)) error
}

// Capability bundles everything a protocol driver provides.
type Capability interface {
	Dialer
	Signer
}

// ---- driver registry ----

type Factory func(cfg Config) (Capability, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]Factory{}
)

// Register makes a driver available to Open. Typically called from a
// driver package's init.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[strings.ToLower(strings.TrimSpace(name))] = f
}

// Open validates credentials and instantiates the configured driver.
func Open(cfg Config) (Capability, error) {
	if cfg.APIID == 0 || strings.TrimSpace(cfg.APIHash) == "" {
		return nil, ErrNotConfigured
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		return nil, errors.New("remote driver not set")
	}
	driversMu.Lock()
	f, ok := drivers[name]
	names := make([]string, 0, len(drivers))
	for k := range drivers {
		names = append(names, k)
	}
	driversMu.Unlock()
	if !ok {
		sort.Strings(names)
		return nil, fmt.Errorf("unknown remote driver %q (registered: %s)", name, strings.Join(names, ", "))
	}
	return f(cfg)
}
