package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

type memHistory struct {
	mu      sync.Mutex
	entries []storage.RunEntry
}

func (m *memHistory) AppendRun(_ context.Context, e storage.RunEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memHistory) all() []storage.RunEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RunEntry(nil), m.entries...)
}

type fakeClient struct {
	remote.Client
	dialogs []remote.Dialog
}

func (c *fakeClient) Connect(context.Context) error { return nil }
func (c *fakeClient) Close(context.Context) error   { return nil }
func (c *fakeClient) ListDialogs(context.Context, int) ([]remote.Dialog, error) {
	return c.dialogs, nil
}

type fakeRemote struct {
	mu       sync.Mutex
	passErrs []error // consumed one per call; empty means success
	calls    int

	inFlight    int32
	maxInFlight int32
	block       chan struct{} // if set, RunSigningPass waits on it

	passStarts []time.Time
	passEnds   []time.Time

	dialogs []remote.Dialog
	dialErr error
}

func (f *fakeRemote) Dial(context.Context, remote.DialOptions) (remote.Client, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &fakeClient{dialogs: f.dialogs}, nil
}

func (f *fakeRemote) RunSigningPass(ctx context.Context, account, task string, logf func(string)) error {
	f.mu.Lock()
	f.passStarts = append(f.passStarts, time.Now())
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.passEnds = append(f.passEnds, time.Now())
		f.mu.Unlock()
	}()

	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logf("signing " + account + "/" + task)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.passErrs) > 0 {
		err := f.passErrs[0]
		f.passErrs = f.passErrs[1:]
		return err
	}
	return nil
}

type fixture struct {
	runner   *Runner
	remote   *fakeRemote
	history  *memHistory
	sessions *session.Store
	tasks    *signtask.Store
}

func newFixture(t *testing.T, gateSize int) *fixture {
	t.Helper()
	sessions, err := session.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := signtask.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rem := &fakeRemote{}
	hist := &memHistory{}
	r := New(Deps{
		Locks:    locks.NewRegistry(),
		Gate:     gate.New(gateSize),
		Cooldown: cooldown.New(0),
		Runs:     runtrack.New(),
		Sessions: sessions,
		Tasks:    tasks,
		History:  hist,
		Remote:   rem,
		Log:      logx.Nop(),
	})
	r.buffer = 0
	r.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return &fixture{runner: r, remote: rem, history: hist, sessions: sessions, tasks: tasks}
}

func TestRunRecordsHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)

	if err := f.runner.RunTask(context.Background(), "alice", "morning"); err != nil {
		t.Fatal(err)
	}
	entries := f.history.all()
	if len(entries) != 1 || !entries[0].OK || entries[0].Account != "alice" || entries[0].Task != "morning" {
		t.Fatalf("history = %+v", entries)
	}
}

func TestAlreadyRunningFailsFast(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.remote.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.runner.RunTask(context.Background(), "alice", "morning") }()

	// wait for the first run to reach the remote section
	for atomic.LoadInt32(&f.remote.inFlight) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := f.runner.RunTask(context.Background(), "alice", "morning"); !errors.Is(err, runtrack.ErrAlreadyRunning) {
		t.Fatalf("second run = %v, want ErrAlreadyRunning", err)
	}

	close(f.remote.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestSameAccountRunsAreSerialized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 8)

	var wg sync.WaitGroup
	for _, task := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(task string) {
			defer wg.Done()
			_ = f.runner.RunTask(context.Background(), "alice", task)
		}(task)
	}
	wg.Wait()

	if max := atomic.LoadInt32(&f.remote.maxInFlight); max != 1 {
		t.Fatalf("max concurrent passes for one account = %d, want 1", max)
	}
	if len(f.history.all()) != 4 {
		t.Fatalf("history has %d entries, want 4", len(f.history.all()))
	}
}

func TestCooldownSpacesSameAccountRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 4)
	const cd = 120 * time.Millisecond
	f.runner.cool = cooldown.New(cd)
	f.remote.block = make(chan struct{})

	done := make(chan error, 2)
	go func() { done <- f.runner.RunTask(context.Background(), "alice", "first") }()
	for atomic.LoadInt32(&f.remote.inFlight) == 0 {
		time.Sleep(time.Millisecond)
	}
	// queue the second run on the account lock while the first is mid-pass
	go func() { done <- f.runner.RunTask(context.Background(), "alice", "second") }()
	time.Sleep(10 * time.Millisecond)
	close(f.remote.block)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	f.remote.mu.Lock()
	starts, ends := f.remote.passStarts, f.remote.passEnds
	f.remote.mu.Unlock()
	if len(starts) != 2 || len(ends) != 2 {
		t.Fatalf("passes recorded = %d starts / %d ends, want 2 each", len(starts), len(ends))
	}
	if gap := starts[1].Sub(ends[0]); gap < cd {
		t.Fatalf("second pass started %s after the first ended, want >= %s", gap, cd)
	}
}

func TestBoundedAdmissionAcrossAccounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.remote.block = make(chan struct{})

	accounts := []string{"a1", "a2", "a3", "a4", "a5"}
	var wg sync.WaitGroup
	for _, acct := range accounts {
		wg.Add(1)
		go func(acct string) {
			defer wg.Done()
			_ = f.runner.RunTask(context.Background(), acct, "t")
		}(acct)
	}

	time.Sleep(50 * time.Millisecond)
	close(f.remote.block)
	wg.Wait()

	if max := atomic.LoadInt32(&f.remote.maxInFlight); max > 2 {
		t.Fatalf("max concurrent remote sessions = %d, want <= 2", max)
	}
}

func TestStorageLockedRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.remote.passErrs = []error{remote.ErrStorageLocked, remote.ErrStorageLocked, nil}

	if err := f.runner.RunTask(context.Background(), "alice", "t"); err != nil {
		t.Fatal(err)
	}
	if f.remote.calls != 3 {
		t.Fatalf("remote calls = %d, want 3", f.remote.calls)
	}
}

func TestStorageLockedEventuallyPropagates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.remote.passErrs = []error{
		remote.ErrStorageLocked, remote.ErrStorageLocked,
		remote.ErrStorageLocked, remote.ErrStorageLocked,
	}

	err := f.runner.RunTask(context.Background(), "alice", "t")
	if !errors.Is(err, remote.ErrStorageLocked) {
		t.Fatalf("err = %v, want storage-locked", err)
	}
	entries := f.history.all()
	if len(entries) != 1 || entries[0].OK {
		t.Fatalf("history = %+v, want one failed entry", entries)
	}
}

func TestInvalidSessionTriggersCleanup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	if err := f.sessions.Persist("alice", "blob"); err != nil {
		t.Fatal(err)
	}
	if err := f.tasks.SaveChats("alice", []remote.Dialog{{ID: 1, Title: "g"}}); err != nil {
		t.Fatal(err)
	}
	f.remote.passErrs = []error{remote.SessionInvalid(errors.New("SESSION_REVOKED"))}

	err := f.runner.RunTask(context.Background(), "alice", "t")
	if !errors.Is(err, ErrMustRelogin) {
		t.Fatalf("err = %v, want ErrMustRelogin", err)
	}
	if f.sessions.Valid("alice") {
		t.Fatal("session survived cleanup")
	}
	chats, err := f.tasks.LoadChats("alice")
	if err != nil || chats != nil {
		t.Fatalf("chat cache survived cleanup: (%v, %v)", chats, err)
	}
}

func TestRefreshChatsSavesCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	if err := f.sessions.Persist("alice", "blob"); err != nil {
		t.Fatal(err)
	}
	f.remote.dialogs = []remote.Dialog{{ID: 7, Title: "Signing Group", Kind: "group"}}

	got, err := f.runner.RefreshChats(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 7 {
		t.Fatalf("RefreshChats = %+v", got)
	}
	cached, err := f.tasks.LoadChats("alice")
	if err != nil || len(cached) != 1 {
		t.Fatalf("cache = (%+v, %v)", cached, err)
	}
}

func TestRefreshChatsWithoutSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)

	_, err := f.runner.RefreshChats(context.Background(), "ghost")
	if !errors.Is(err, ErrMustRelogin) {
		t.Fatalf("err = %v, want ErrMustRelogin", err)
	}
}
