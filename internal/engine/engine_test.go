package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cronkeeper/internal/fault"
	"cronkeeper/internal/launch"
	"cronkeeper/internal/metrics"
	"cronkeeper/internal/mutex"
	"cronkeeper/internal/schedule"
	"cronkeeper/internal/storage"
	logx "cronkeeper/pkg/logx"
)

type fakeLauncher struct {
	mu    sync.Mutex
	calls []launch.Invocation
	err   error
}

func (f *fakeLauncher) Launch(_ context.Context, inv launch.Invocation) (launch.LaunchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return launch.LaunchInfo{}, f.err
	}
	f.calls = append(f.calls, inv)
	return launch.LaunchInfo{PID: 1000 + len(f.calls)}, nil
}

type fixture struct {
	store    *storage.Store
	mutex    mutex.Mutex
	launcher *fakeLauncher
	engine   *Engine
}

var fixedNow = time.Date(2025, time.March, 14, 14, 30, 5, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	m, err := mutex.New(mutex.KindFile, mutex.Options{Dir: filepath.Join(dir, "locks")})
	if err != nil {
		t.Fatalf("mutex.New: %v", err)
	}
	fl := &fakeLauncher{}
	e, err := New(Options{
		Store:    st,
		Mutex:    m,
		Launcher: fl,
		Location: time.UTC,
		Metrics:  metrics.New(),
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: st, mutex: m, launcher: fl, engine: e}
}

func (f *fixture) register(t *testing.T, command string, set func(*TaskHandle) *TaskHandle) string {
	t.Helper()
	h, err := f.engine.Register(context.Background(), command)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if set != nil {
		h = set(h)
	}
	if err := h.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return h.ID()
}

func TestRunDispatchesDueTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "echo hi", (*TaskHandle).EveryMinute)

	out := f.engine.Run(ctx)
	o, ok := out[id]
	if !ok || o.Status != StatusRunning || o.RunID == 0 {
		t.Fatalf("outcome = %+v (present %v)", o, ok)
	}

	runs, err := f.store.ListRuns(ctx, id, 0)
	if err != nil || len(runs) != 1 || !runs[0].Pending() || runs[0].RunID != o.RunID {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
	if len(f.launcher.calls) != 1 {
		t.Fatalf("launches = %d", len(f.launcher.calls))
	}
	inv := f.launcher.calls[0]
	if inv.TaskID != id || inv.RunID != o.RunID || inv.MutexKind != mutex.KindFile || inv.Command != "echo hi" {
		t.Fatalf("invocation = %+v", inv)
	}
	if held, _ := f.mutex.Exists(ctx, id); !held {
		t.Fatal("lock not held after dispatch")
	}
}

func TestRunSkipsLockedTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "sleep 60", nil)

	first := f.engine.Run(ctx)
	if first[id].Status != StatusRunning {
		t.Fatalf("first pass = %+v", first[id])
	}
	second := f.engine.Run(ctx)
	if o := second[id]; o.Status != StatusSkipped || o.Reason != ReasonLocked {
		t.Fatalf("second pass = %+v", o)
	}
	runs, _ := f.store.ListRuns(ctx, id, 0)
	if len(runs) != 1 {
		t.Fatalf("locked pass created a run: %d runs", len(runs))
	}
}

func TestRunIgnoresTasksNotDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hourly := f.register(t, "echo hourly", (*TaskHandle).Hourly)
	at := f.register(t, "echo at", func(h *TaskHandle) *TaskHandle { return h.At("14:30") })

	out := f.engine.Run(context.Background())
	if _, ok := out[hourly]; ok {
		t.Fatal("hourly task dispatched at 14:30")
	}
	if out[at].Status != StatusRunning {
		t.Fatalf("at 14:30 task = %+v", out[at])
	}
	if len(out) != 1 {
		t.Fatalf("outcomes = %v", out)
	}
}

func TestRunSkipsNotReadyStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "echo", nil)

	runID, err := f.store.RecordExecution(ctx, id, fixedNow, storage.Ptr(storage.RunError), "boom")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateTaskState(ctx, runID, storage.TaskError, fixedNow); err != nil {
		t.Fatal(err)
	}

	o := f.engine.Run(ctx)[id]
	if o.Status != StatusSkipped || o.Reason != ReasonNotReady {
		t.Fatalf("outcome = %+v", o)
	}
	if held, _ := f.mutex.Exists(ctx, id); held {
		t.Fatal("not-ready task left locked")
	}

	if _, err := f.store.ResetTask(ctx, id); err != nil {
		t.Fatal(err)
	}
	if o := f.engine.Run(ctx)[id]; o.Status != StatusRunning {
		t.Fatalf("after reset = %+v", o)
	}
}

type refusingMutex struct{ mutex.Mutex }

func (refusingMutex) Acquire(context.Context, string) (bool, error) { return false, nil }

func TestRunFailedToAcquire(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.register(t, "echo", nil)
	f.engine.SetMutex(refusingMutex{f.mutex})

	o := f.engine.Run(context.Background())[id]
	if o.Status != StatusSkipped || o.Reason != ReasonFailedToAcquire {
		t.Fatalf("outcome = %+v", o)
	}
	runs, _ := f.store.ListRuns(context.Background(), id, 0)
	if len(runs) != 0 {
		t.Fatalf("runs created: %d", len(runs))
	}
}

func TestLaunchFailureReleasesLock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "echo", nil)
	f.launcher.err = errors.New("fork failed")

	o := f.engine.Run(ctx)[id]
	if o.Status != StatusError || o.Output != "fork failed" || o.RunID == 0 {
		t.Fatalf("outcome = %+v", o)
	}
	if held, _ := f.mutex.Exists(ctx, id); held {
		t.Fatal("lock leaked after launch failure")
	}
	run, err := f.store.GetRun(ctx, o.RunID)
	if err != nil || run == nil || run.StatusString() != storage.RunError || run.Output != "fork failed" {
		t.Fatalf("run = %+v, %v", run, err)
	}

	f.launcher.err = nil
	if o := f.engine.Run(ctx)[id]; o.Status != StatusRunning {
		t.Fatalf("retry after failure = %+v", o)
	}
}

type failingStore struct {
	*storage.Store
}

func (failingStore) RecordExecution(_ context.Context, _ string, _ time.Time, status *string, _ string) (int64, error) {
	return 0, fault.Persistence("record execution", errors.New("disk full"))
}

func TestRecordFailureReleasesLock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "echo", nil)

	e, err := New(Options{Store: failingStore{f.store}, Mutex: f.mutex, Launcher: f.launcher, Location: time.UTC, Now: func() time.Time { return fixedNow }})
	if err != nil {
		t.Fatal(err)
	}
	e.ReplaceTasks(f.engine.Tasks())

	o := e.Run(ctx)[id]
	if o.Status != StatusError || o.RunID != 0 {
		t.Fatalf("outcome = %+v", o)
	}
	if held, _ := f.mutex.Exists(ctx, id); held {
		t.Fatal("lock leaked after persistence failure")
	}
	if len(f.launcher.calls) != 0 {
		t.Fatal("launched without a run row")
	}
}

func TestHandleRejectsBadTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h, err := f.engine.Register(context.Background(), "echo")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.At("25:00").Describe("bad").Save(context.Background()); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("Save = %v", err)
	}
	stored, _ := f.store.FindByID(context.Background(), h.ID())
	if stored == nil || stored.Expression != string(schedule.EveryMinute) || stored.Description != "" {
		t.Fatalf("stored = %+v", stored)
	}
	if _, err := f.engine.Register(context.Background(), "  "); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("empty command = %v", err)
	}
}

func TestLoader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	l := NewLoader(f.store, f.engine, logx.Nop())

	added, err := l.AddTask(ctx, "echo daily", "daily", "nightly job")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := l.AddTask(ctx, "echo", "fortnightly", ""); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("bad frequency = %v", err)
	}

	other, err := New(Options{Store: f.store, Mutex: f.mutex, Launcher: f.launcher})
	if err != nil {
		t.Fatal(err)
	}
	n, err := NewLoader(f.store, other, logx.Nop()).LoadTasks(ctx)
	if err != nil || n != 1 || len(other.Tasks()) != 1 || other.Tasks()[0].ID != added.ID {
		t.Fatalf("LoadTasks = %d, %v", n, err)
	}

	if err := l.RemoveTask(ctx, added.ID); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if len(f.engine.Tasks()) != 0 {
		t.Fatal("removed task still registered")
	}
	if err := l.RemoveTask(ctx, added.ID); !errors.Is(err, fault.ErrTaskNotFound) {
		t.Fatalf("second RemoveTask = %v", err)
	}
}

func TestSweeperReleasesLocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "sleep 600", nil)

	o := f.engine.Run(ctx)[id]
	if o.Status != StatusRunning {
		t.Fatalf("dispatch = %+v", o)
	}

	s := &Sweeper{Store: f.store, Mutex: f.mutex}
	// fixedNow lies in the past, so a zero threshold makes the run stale.
	swept, err := s.Sweep(ctx, 0)
	if err != nil || len(swept) != 1 || swept[0].RunID != o.RunID {
		t.Fatalf("Sweep = %+v, %v", swept, err)
	}
	if held, _ := f.mutex.Exists(ctx, id); held {
		t.Fatal("stale lock not released")
	}
	status, _, _ := f.store.GetTaskStatus(ctx, id)
	if status != storage.TaskError {
		t.Fatalf("task status = %q", status)
	}
}
