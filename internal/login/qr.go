package login

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"signerd/internal/locks"
	"signerd/pkg/remote"
	"signerd/pkg/logx"
)

// QrStatus is the observable state of a QR login attempt.
type QrStatus string

const (
	StatusWaitingScan        QrStatus = "waiting_scan"
	StatusScannedWaitConfirm QrStatus = "scanned_wait_confirm"
	StatusSuccess            QrStatus = "success"
	StatusFailed             QrStatus = "failed"
	StatusExpired            QrStatus = "expired"
)

// dc-migration responses are chased at most this many times per poll.
const maxMigrateHops = 2

type qrAttempt struct {
	id      string
	account string
	proxy   string

	client remote.Client
	lock   *locks.Lock

	mu        sync.Mutex
	token     []byte
	expiresAt time.Time
	dc        int
	status    QrStatus
	scanSeen  bool

	removeListener func()
	expireTimer    *time.Timer
	disposeOnce    sync.Once
}

// StartResult is handed to the UI to render the QR code.
type StartResult struct {
	LoginID   string
	URI       string
	ExpiresAt time.Time
}

// PollResult reports the attempt state after one poll round-trip.
type PollResult struct {
	Status    QrStatus
	ExpiresAt time.Time
	User      remote.User
	Message   string
}

// QrCoordinator owns in-flight QR login attempts, keyed by opaque login id.
type QrCoordinator struct {
	mu       sync.Mutex
	deps     Deps
	log      logx.Logger
	attempts map[string]*qrAttempt

	// overridable in tests
	now   func() time.Time
	newID func() string
}

func NewQrCoordinator(deps Deps) *QrCoordinator {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &QrCoordinator{
		deps:     deps,
		log:      log,
		attempts: map[string]*qrAttempt{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Start exports a fresh login token for account and schedules its expiry.
// Any other in-flight QR attempt for the same account is discarded first.
func (q *QrCoordinator) Start(ctx context.Context, account, proxy string) (StartResult, error) {
	q.discardAccountAttempts(account)

	lock := q.deps.Locks.For(account)
	if err := lock.Acquire(ctx); err != nil {
		return StartResult{}, err
	}

	client, err := q.deps.Dialer.Dial(ctx, remote.DialOptions{Account: account, Proxy: proxy})
	if err != nil {
		lock.Release()
		return StartResult{}, err
	}

	var token remote.LoginToken
	err = q.withGate(ctx, func(ctx context.Context) error {
		if err := client.Connect(ctx); err != nil {
			return err
		}
		token, err = client.ExportLoginToken(ctx)
		return err
	})
	if err != nil {
		_ = client.Close(context.Background())
		lock.Release()
		return StartResult{}, fmt.Errorf("export login token: %w", err)
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = q.now().Add(5 * time.Minute)
	}

	a := &qrAttempt{
		id:        q.newID(),
		account:   account,
		proxy:     proxy,
		client:    client,
		lock:      lock,
		token:     token.Token,
		expiresAt: token.ExpiresAt,
		dc:        token.DC,
		status:    StatusWaitingScan,
	}
	// a scan notification moves the attempt forward even with no poll active
	a.removeListener = client.OnLoginToken(func() {
		a.mu.Lock()
		if a.status == StatusWaitingScan {
			a.status = StatusScannedWaitConfirm
		}
		a.scanSeen = true
		a.mu.Unlock()
	})
	a.expireTimer = time.AfterFunc(token.ExpiresAt.Sub(q.now()), func() { q.expire(a) })

	q.mu.Lock()
	q.attempts[a.id] = a
	q.mu.Unlock()

	q.log.Info("qr login started", logx.String("account", account), logx.Time("expires_at", token.ExpiresAt))
	return StartResult{
		LoginID:   a.id,
		URI:       "tg://login?token=" + base64.URLEncoding.EncodeToString(token.Token),
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// Poll re-submits the current token. Unknown or expired ids report Expired
// rather than an error: the caller's only move is to start over either way.
func (q *QrCoordinator) Poll(ctx context.Context, loginID string) PollResult {
	q.mu.Lock()
	a := q.attempts[loginID]
	q.mu.Unlock()
	if a == nil {
		return PollResult{Status: StatusExpired, Message: "login id unknown or already expired"}
	}

	a.mu.Lock()
	if a.status == StatusExpired || !q.now().Before(a.expiresAt) {
		a.status = StatusExpired
		expiresAt := a.expiresAt
		a.mu.Unlock()
		q.dispose(a)
		return PollResult{Status: StatusExpired, ExpiresAt: expiresAt, Message: "login token expired"}
	}
	token, dc := a.token, a.dc
	a.mu.Unlock()

	var res remote.ImportResult
	var err error
	for hop := 0; hop <= maxMigrateHops; hop++ {
		res, err = a.client.ImportLoginToken(ctx, token, dc)
		if err != nil || res.Kind != remote.ImportMigrate {
			break
		}
		token, dc = res.Token, res.DC
		a.mu.Lock()
		a.token, a.dc = token, dc
		a.status = StatusScannedWaitConfirm
		a.mu.Unlock()
	}
	if err != nil {
		q.dispose(a)
		msg := "login failed, try again"
		if after, ok := remote.RetryAfterOf(err); ok {
			msg = fmt.Sprintf("rate limited, retry after %s", after)
		}
		q.log.Warn("qr poll failed", logx.String("account", a.account), logx.Err(err))
		return PollResult{Status: StatusFailed, Message: msg}
	}

	switch res.Kind {
	case remote.ImportSuccess:
		if perr := q.persist(ctx, a); perr != nil {
			q.dispose(a)
			q.log.Warn("qr session persist failed", logx.String("account", a.account), logx.Err(perr))
			return PollResult{Status: StatusFailed, Message: "could not store session"}
		}
		q.dispose(a)
		q.log.Info("qr login complete", logx.String("account", a.account), logx.Int64("user_id", res.User.ID))
		return PollResult{Status: StatusSuccess, User: res.User}
	default:
		a.mu.Lock()
		if len(res.Token) > 0 && string(res.Token) != string(a.token) {
			a.token = res.Token
			a.status = StatusScannedWaitConfirm
		}
		if !res.ExpiresAt.IsZero() {
			a.expiresAt = res.ExpiresAt
		}
		status := a.status
		if a.scanSeen {
			status = StatusScannedWaitConfirm
		}
		expiresAt := a.expiresAt
		a.mu.Unlock()
		return PollResult{Status: status, ExpiresAt: expiresAt}
	}
}

// Cancel discards the attempt. Reports whether the id was live.
func (q *QrCoordinator) Cancel(loginID string) bool {
	q.mu.Lock()
	a := q.attempts[loginID]
	q.mu.Unlock()
	if a == nil {
		return false
	}
	q.dispose(a)
	return true
}

func (q *QrCoordinator) persist(ctx context.Context, a *qrAttempt) error {
	blob, err := a.client.ExportSession(ctx)
	if err != nil {
		return err
	}
	if err := q.deps.Sessions.Persist(a.account, blob); err != nil {
		return err
	}
	if a.proxy != "" {
		if err := q.deps.Sessions.SetProfile(a.account, a.proxy, ""); err != nil {
			q.log.Warn("profile update failed", logx.String("account", a.account), logx.Err(err))
		}
	}
	return nil
}

// expire is the timer path. It marks the attempt expired before disposing
// so a racing poll observes the terminal state, never a half-disposed one.
func (q *QrCoordinator) expire(a *qrAttempt) {
	a.mu.Lock()
	if a.status == StatusSuccess {
		a.mu.Unlock()
		return
	}
	a.status = StatusExpired
	a.mu.Unlock()
	q.log.Info("qr login expired", logx.String("account", a.account))
	q.dispose(a)
}

// dispose tears the attempt down exactly once, whichever of the timer,
// poll, cancel, or supersede paths gets here first.
func (q *QrCoordinator) dispose(a *qrAttempt) {
	a.disposeOnce.Do(func() {
		q.mu.Lock()
		if q.attempts[a.id] == a {
			delete(q.attempts, a.id)
		}
		q.mu.Unlock()

		if a.expireTimer != nil {
			a.expireTimer.Stop()
		}
		if a.removeListener != nil {
			a.removeListener()
		}
		_ = a.client.Close(context.Background())
		a.lock.Release()
	})
}

func (q *QrCoordinator) discardAccountAttempts(account string) {
	q.mu.Lock()
	var stale []*qrAttempt
	for _, a := range q.attempts {
		if a.account == account {
			stale = append(stale, a)
		}
	}
	q.mu.Unlock()

	for _, a := range stale {
		q.dispose(a)
	}
}

func (q *QrCoordinator) withGate(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := q.deps.Gate.Acquire(ctx); err != nil {
		return err
	}
	defer q.deps.Gate.Release()
	return fn(ctx)
}
