package login

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"signerd/pkg/remote"
)

func qrClient(expiresIn time.Duration) *fakeClient {
	return &fakeClient{token: remote.LoginToken{
		Token:     []byte("tok-1"),
		ExpiresAt: time.Now().Add(expiresIn),
		DC:        2,
	}}
}

func TestQrHappyPath(t *testing.T) {
	t.Parallel()
	client := qrClient(time.Minute)
	deps := newDeps(t, &fakeDialer{clients: []*fakeClient{client}})
	q := NewQrCoordinator(deps)

	res, err := q.Start(context.Background(), "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.URI, "tg://login?token=") {
		t.Fatalf("URI = %q", res.URI)
	}
	if lockFree(deps, "alice") {
		t.Fatal("lock released while attempt live")
	}

	// nothing scanned yet
	p := q.Poll(context.Background(), res.LoginID)
	if p.Status != StatusWaitingScan {
		t.Fatalf("status = %q, want waiting_scan", p.Status)
	}

	// device scans; listener moves the state before any poll
	client.scan()
	p = q.Poll(context.Background(), res.LoginID)
	if p.Status != StatusScannedWaitConfirm {
		t.Fatalf("status = %q, want scanned_wait_confirm", p.Status)
	}

	client.mu.Lock()
	client.importQueue = []remote.ImportResult{{Kind: remote.ImportSuccess, User: remote.User{ID: 42}}}
	client.mu.Unlock()

	p = q.Poll(context.Background(), res.LoginID)
	if p.Status != StatusSuccess || p.User.ID != 42 {
		t.Fatalf("final poll = %+v", p)
	}
	if !deps.Sessions.Valid("alice") {
		t.Fatal("session not persisted")
	}
	if !lockFree(deps, "alice") {
		t.Fatal("lock leaked after success")
	}
	if !client.isClosed() {
		t.Fatal("client leaked after success")
	}
}

func TestQrMigrateThenSuccess(t *testing.T) {
	t.Parallel()
	client := qrClient(time.Minute)
	client.importQueue = []remote.ImportResult{
		{Kind: remote.ImportMigrate, Token: []byte("tok-dc4"), DC: 4},
		{Kind: remote.ImportSuccess, User: remote.User{ID: 7}},
	}
	deps := newDeps(t, &fakeDialer{clients: []*fakeClient{client}})
	q := NewQrCoordinator(deps)

	res, err := q.Start(context.Background(), "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	p := q.Poll(context.Background(), res.LoginID)
	if p.Status != StatusSuccess || p.User.ID != 7 {
		t.Fatalf("poll across migration = %+v", p)
	}
}

func TestQrExpiryAlwaysWins(t *testing.T) {
	t.Parallel()
	client := qrClient(30 * time.Millisecond)
	// even a queued success must not beat the expiry timer
	client.importQueue = []remote.ImportResult{{Kind: remote.ImportSuccess, User: remote.User{ID: 42}}}
	deps := newDeps(t, &fakeDialer{clients: []*fakeClient{client}})
	q := NewQrCoordinator(deps)

	res, err := q.Start(context.Background(), "alice", "")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !lockFree(deps, "alice") {
		if time.Now().After(deadline) {
			t.Fatal("expiry timer never released the lock")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p := q.Poll(context.Background(), res.LoginID)
	if p.Status != StatusExpired {
		t.Fatalf("poll after expiry = %q, want expired", p.Status)
	}
	if deps.Sessions.Valid("alice") {
		t.Fatal("expired attempt persisted a session")
	}
}

func TestQrCancelRacesTimerSafely(t *testing.T) {
	t.Parallel()
	client := qrClient(20 * time.Millisecond)
	deps := newDeps(t, &fakeDialer{clients: []*fakeClient{client}})
	q := NewQrCoordinator(deps)

	res, err := q.Start(context.Background(), "alice", "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Cancel(res.LoginID)
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond) // let the timer path run too

	// exactly one release: lock is free, and only once
	l := deps.Locks.For("alice")
	if !l.TryAcquire() {
		t.Fatal("lock not released")
	}
	if l.TryAcquire() {
		t.Fatal("lock released more than once")
	}
	l.Release()
}

func TestQrStartSupersedesSameAccount(t *testing.T) {
	t.Parallel()
	first := qrClient(time.Minute)
	second := qrClient(time.Minute)
	deps := newDeps(t, &fakeDialer{clients: []*fakeClient{first, second}})
	q := NewQrCoordinator(deps)

	res1, err := q.Start(context.Background(), "alice", "")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var res2 StartResult
	go func() {
		defer close(done)
		res2, err = q.Start(context.Background(), "alice", "")
	}()
	select {
	case <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second Start deadlocked on superseded attempt's lock")
	}

	if !first.isClosed() {
		t.Fatal("superseded client not torn down")
	}
	if p := q.Poll(context.Background(), res1.LoginID); p.Status != StatusExpired {
		t.Fatalf("poll on superseded id = %q, want expired", p.Status)
	}
	if p := q.Poll(context.Background(), res2.LoginID); p.Status != StatusWaitingScan {
		t.Fatalf("poll on live id = %q, want waiting_scan", p.Status)
	}
}
