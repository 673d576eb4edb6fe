package jobsync

import (
	"context"
	"testing"
	"time"

	"signerd/internal/signtask"
	"signerd/internal/storage"
	"signerd/pkg/logx"
)

type fakeDB struct {
	rows []storage.TaskRow
}

func (f *fakeDB) EnabledTasks(context.Context) ([]storage.TaskRow, error) {
	return f.rows, nil
}

type fakeFiles struct {
	tasks []signtask.Task
}

func (f *fakeFiles) ListAll(bool) ([]signtask.Task, error) {
	return f.tasks, nil
}

func newEngine(t *testing.T, db *fakeDB, files *fakeFiles) *Engine {
	t.Helper()
	e := New(Config{Location: time.UTC}, db, files, Hooks{}, logx.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

func has(list []string, key string) bool {
	for _, s := range list {
		if s == key {
			return true
		}
	}
	return false
}

func TestTimeToCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"08:30", "30 8 * * *", true},
		{"00:00", "0 0 * * *", true},
		{"23:59", "59 23 * * *", true},
		{"24:00", "", false},
		{"nope", "", false},
	}
	for _, c := range cases {
		got, err := timeToCron(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("timeToCron(%q) = (%q, %v), want %q", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("timeToCron(%q) accepted invalid input", c.in)
		}
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	db := &fakeDB{rows: []storage.TaskRow{{ID: 1, Cron: "0 9 * * *", Enabled: true}}}
	files := &fakeFiles{tasks: []signtask.Task{
		{Name: "alice-morning", Account: "alice", SignAt: "08:30", ExecutionMode: signtask.ModeFixed, Enabled: true},
	}}
	e := newEngine(t, db, files)

	first, err := e.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Added) != 2 {
		t.Fatalf("first sync = %+v, want two additions", first)
	}

	second, err := e.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Empty() {
		t.Fatalf("second sync = %+v, want no mutations", second)
	}
}

func TestSyncExactness(t *testing.T) {
	t.Parallel()
	db := &fakeDB{rows: []storage.TaskRow{{ID: 1, Cron: "0 8 * * *", Enabled: true}}}
	files := &fakeFiles{tasks: []signtask.Task{
		{Name: "bob", Account: "bob", SignAt: "10:00", ExecutionMode: signtask.ModeFixed, Enabled: true},
	}}
	e := newEngine(t, db, files)
	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	// db-1 trigger changes, sign-alice appears, sign-bob goes away
	db.rows = []storage.TaskRow{{ID: 1, Cron: "0 9 * * *", Enabled: true}}
	files.tasks = []signtask.Task{
		{Name: "alice", Account: "alice", SignAt: "08:30", ExecutionMode: signtask.ModeFixed, Enabled: true},
	}

	rep, err := e.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Updated) != 1 || !has(rep.Updated, "db-1") {
		t.Fatalf("Updated = %v, want [db-1]", rep.Updated)
	}
	if len(rep.Added) != 1 || !has(rep.Added, "sign-alice") {
		t.Fatalf("Added = %v, want [sign-alice]", rep.Added)
	}
	if len(rep.Removed) != 1 || !has(rep.Removed, "sign-bob") {
		t.Fatalf("Removed = %v, want [sign-bob]", rep.Removed)
	}

	jobs := e.Jobs()
	if jobs["db-1"] != "0 9 * * *" {
		t.Fatalf("db-1 trigger = %q, want rescheduled", jobs["db-1"])
	}
	if jobs["sign-alice"] != "30 8 * * *" {
		t.Fatalf("sign-alice trigger = %q", jobs["sign-alice"])
	}
	if _, ok := jobs["sign-bob"]; ok {
		t.Fatal("sign-bob still scheduled")
	}
}

func TestSyncSkipsMalformedTrigger(t *testing.T) {
	t.Parallel()
	db := &fakeDB{rows: []storage.TaskRow{
		{ID: 1, Cron: "not a cron", Enabled: true},
		{ID: 2, Cron: "0 9 * * *", Enabled: true},
	}}
	e := newEngine(t, db, &fakeFiles{})

	rep, err := e.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Skipped) != 1 || !has(rep.Skipped, "db-1") {
		t.Fatalf("Skipped = %v, want [db-1]", rep.Skipped)
	}
	if len(rep.Added) != 1 || !has(rep.Added, "db-2") {
		t.Fatalf("Added = %v, want [db-2]", rep.Added)
	}
}

func TestRangeModeDelayDistribution(t *testing.T) {
	t.Parallel()
	e := New(Config{Location: time.UTC}, &fakeDB{}, &fakeFiles{}, Hooks{
		RunSignTask: func(context.Context, string, string) {},
	}, logx.Nop())

	var delays []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) { delays = append(delays, d) }

	task := signtask.Task{
		Name: "spread", Account: "alice",
		ExecutionMode: signtask.ModeRange,
		RangeStart:    "09:00", RangeEnd: "09:10",
		Enabled: true,
	}
	d, err := e.desiredForTask(task)
	if err != nil {
		t.Fatal(err)
	}
	if d.spec != "0 9 * * *" {
		t.Fatalf("range trigger = %q, want range start", d.spec)
	}

	for i := 0; i < 200; i++ {
		d.run(context.Background())
	}
	if len(delays) != 200 {
		t.Fatalf("recorded %d delays", len(delays))
	}
	low, high := false, false
	for _, d := range delays {
		if d < 0 || d > 600*time.Second {
			t.Fatalf("delay %v outside [0, 600s]", d)
		}
		if d < 200*time.Second {
			low = true
		}
		if d > 400*time.Second {
			high = true
		}
	}
	if !low || !high {
		t.Fatalf("delays not spread across the window (low=%v high=%v)", low, high)
	}
}

func TestDynamicAddUpdateRemove(t *testing.T) {
	t.Parallel()
	e := newEngine(t, &fakeDB{}, &fakeFiles{})

	task := signtask.Task{Name: "manual", Account: "alice", SignAt: "07:00", ExecutionMode: signtask.ModeFixed, Enabled: true}
	if err := e.AddOrUpdateJob(task); err != nil {
		t.Fatal(err)
	}
	if e.Jobs()["sign-manual"] != "0 7 * * *" {
		t.Fatalf("jobs = %v", e.Jobs())
	}

	task.SignAt = "07:30"
	if err := e.AddOrUpdateJob(task); err != nil {
		t.Fatal(err)
	}
	if e.Jobs()["sign-manual"] != "30 7 * * *" {
		t.Fatalf("jobs after update = %v", e.Jobs())
	}

	// disabling removes the job
	task.Enabled = false
	if err := e.AddOrUpdateJob(task); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Jobs()["sign-manual"]; ok {
		t.Fatal("disabled task still scheduled")
	}

	e.RemoveJob("manual") // removing twice is fine
}
