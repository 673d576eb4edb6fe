// Package login drives the interactive sign-in flows: verification-code
// login and QR login. Both hold the account lock for the whole attempt so
// no scheduled run touches the account's session mid-login.
package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"signerd/internal/gate"
	"signerd/internal/locks"
	"signerd/pkg/remote"
	"signerd/internal/session"
	"signerd/pkg/logx"
)

// ErrNoAttempt is returned by Verify when no code was sent for the
// (account, phone) pair, or the attempt was superseded.
var ErrNoAttempt = errors.New("login attempt not found, request a new code")

type Deps struct {
	Locks    *locks.Registry
	Gate     *gate.Gate
	Sessions *session.Store
	Dialer   remote.Dialer
	Log      logx.Logger
}

type attemptKey struct {
	account string
	phone   string
}

type attempt struct {
	client   remote.Client
	codeHash string
	proxy    string
	lock     *locks.Lock
}

// Coordinator owns in-flight code-login attempts. An attempt lives from
// "code sent" until verified, failed, or superseded by a newer attempt for
// the same account.
type Coordinator struct {
	mu       sync.Mutex
	deps     Deps
	log      logx.Logger
	attempts map[attemptKey]*attempt
}

func NewCoordinator(deps Deps) *Coordinator {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{deps: deps, log: log, attempts: map[attemptKey]*attempt{}}
}

// Start sends a verification code to phone and parks the connected client
// until Verify. Any prior attempt for the same account is discarded first,
// its lock released and its client torn down.
func (c *Coordinator) Start(ctx context.Context, account, phone, proxy string) (codeHash string, err error) {
	c.discardAccountAttempts(account)

	lock := c.deps.Locks.For(account)
	if err := lock.Acquire(ctx); err != nil {
		return "", err
	}

	client, err := c.deps.Dialer.Dial(ctx, remote.DialOptions{Account: account, Proxy: proxy})
	if err != nil {
		lock.Release()
		return "", err
	}

	err = c.withGate(ctx, func(ctx context.Context) error {
		if err := client.Connect(ctx); err != nil {
			return err
		}
		codeHash, err = client.SendCode(ctx, phone)
		return err
	})
	if err != nil {
		_ = client.Close(context.Background())
		lock.Release()
		return "", fmt.Errorf("send code: %w", err)
	}

	c.mu.Lock()
	c.attempts[attemptKey{account, phone}] = &attempt{
		client:   client,
		codeHash: codeHash,
		proxy:    proxy,
		lock:     lock,
	}
	c.mu.Unlock()

	c.log.Info("verification code sent", logx.String("account", account))
	return codeHash, nil
}

// Verify completes a code login. A second-factor-protected account without
// a password returns remote.ErrTwoFactorNeeded and keeps the attempt alive
// (lock held, client connected) so the caller can retry with the password;
// every other failure disposes the attempt.
func (c *Coordinator) Verify(ctx context.Context, account, phone, code, codeHash, password string) (remote.User, error) {
	key := attemptKey{account, phone}

	c.mu.Lock()
	a := c.attempts[key]
	c.mu.Unlock()
	if a == nil {
		return remote.User{}, ErrNoAttempt
	}
	if codeHash == "" {
		codeHash = a.codeHash
	}
	code = strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(code))

	var user remote.User
	err := c.withGate(ctx, func(ctx context.Context) error {
		var err error
		user, err = a.client.SignIn(ctx, phone, codeHash, code)
		if !errors.Is(err, remote.ErrTwoFactorNeeded) {
			return err
		}
		if password == "" {
			return err
		}
		user, err = a.client.CheckPassword(ctx, password)
		return err
	})
	if err != nil {
		if errors.Is(err, remote.ErrTwoFactorNeeded) && password == "" {
			// pause: one more Verify round-trip is cheaper than a restart
			return remote.User{}, err
		}
		c.dispose(key, a)
		return remote.User{}, err
	}

	if err := c.persist(ctx, a, account); err != nil {
		c.dispose(key, a)
		return remote.User{}, err
	}
	c.dispose(key, a)
	c.log.Info("login complete", logx.String("account", account), logx.Int64("user_id", user.ID))
	return user, nil
}

func (c *Coordinator) persist(ctx context.Context, a *attempt, account string) error {
	blob, err := a.client.ExportSession(ctx)
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}
	if blob == "" {
		return errors.New("exported session is empty")
	}
	if err := c.deps.Sessions.Persist(account, blob); err != nil {
		return err
	}
	if a.proxy != "" {
		if err := c.deps.Sessions.SetProfile(account, a.proxy, ""); err != nil {
			c.log.Warn("profile update failed", logx.String("account", account), logx.Err(err))
		}
	}
	return nil
}

func (c *Coordinator) withGate(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.deps.Gate.Acquire(ctx); err != nil {
		return err
	}
	defer c.deps.Gate.Release()
	return fn(ctx)
}

func (c *Coordinator) dispose(key attemptKey, a *attempt) {
	c.mu.Lock()
	if c.attempts[key] == a {
		delete(c.attempts, key)
	}
	c.mu.Unlock()
	_ = a.client.Close(context.Background())
	a.lock.Release()
}

// discardAccountAttempts drops every in-flight attempt for account,
// whatever phone it used.
func (c *Coordinator) discardAccountAttempts(account string) {
	c.mu.Lock()
	var stale []*attempt
	for key, a := range c.attempts {
		if key.account == account {
			delete(c.attempts, key)
			stale = append(stale, a)
		}
	}
	c.mu.Unlock()

	for _, a := range stale {
		_ = a.client.Close(context.Background())
		a.lock.Release()
		c.log.Debug("superseded login attempt discarded", logx.String("account", account))
	}
}
