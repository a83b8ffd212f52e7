// Package engine decides which registered tasks are due and dispatches them
// to detached wrapper processes.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cronkeeper/internal/fault"
	"cronkeeper/internal/launch"
	"cronkeeper/internal/metrics"
	"cronkeeper/internal/mutex"
	"cronkeeper/internal/schedule"
	"cronkeeper/internal/storage"
	logx "cronkeeper/pkg/logx"
)

// Options configures an Engine.
type Options struct {
	Store    Store
	Mutex    mutex.Mutex
	Launcher launch.Launcher

	// Location is the timezone schedules are evaluated in (default local).
	Location *time.Location
	// Limiter spaces out wrapper launches; nil means unthrottled.
	Limiter *rate.Limiter
	Metrics *metrics.Registry
	Log     logx.Logger

	Now func() time.Time
}

// Engine holds the registered tasks and runs dispatch passes over them.
// A pass is synchronous; nothing survives between processes except the
// store and the mutex backend.
type Engine struct {
	store    Store
	launcher launch.Launcher
	limiter  *rate.Limiter
	metrics  *metrics.Registry
	log      logx.Logger
	now      func() time.Time

	mu    sync.Mutex
	mutex mutex.Mutex
	loc   *time.Location
	tasks []*storage.Task
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fault.Validationf("engine: store required")
	}
	if opts.Mutex == nil {
		return nil, fault.Validationf("engine: mutex required")
	}
	if opts.Launcher == nil {
		return nil, fault.Validationf("engine: launcher required")
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:    opts.Store,
		mutex:    opts.Mutex,
		launcher: opts.Launcher,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		log:      opts.Log,
		now:      opts.Now,
		loc:      opts.Location,
	}, nil
}

func (e *Engine) SetMutex(m mutex.Mutex) {
	e.mu.Lock()
	e.mutex = m
	e.mu.Unlock()
}

func (e *Engine) Mutex() mutex.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mutex
}

// SetLocation changes the timezone used by subsequent passes.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	e.mu.Lock()
	e.loc = loc
	e.mu.Unlock()
}

// Register creates a task for command with a fresh id, persists it with the
// every-minute default and returns a handle to refine it.
func (e *Engine) Register(ctx context.Context, command string) (*TaskHandle, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fault.Validationf("command required")
	}
	t := storage.NewTask(uuid.NewString(), command, string(schedule.EveryMinute), "", "", nil)
	if err := e.store.Save(ctx, t); err != nil {
		return nil, err
	}
	e.AddExisting(t)
	return &TaskHandle{task: t, store: e.store}, nil
}

// AddExisting registers an already-persisted task. A task with the same id
// is replaced.
func (e *Engine) AddExisting(t *storage.Task) {
	if t == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cur := range e.tasks {
		if cur.ID == t.ID {
			e.tasks[i] = t
			return
		}
	}
	e.tasks = append(e.tasks, t)
}

// RemoveTask drops id from the registry.
func (e *Engine) RemoveTask(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cur := range e.tasks {
		if cur.ID == id {
			e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
			return
		}
	}
}

// ReplaceTasks swaps the whole registry, e.g. after reloading from the store.
func (e *Engine) ReplaceTasks(tasks []*storage.Task) {
	e.mu.Lock()
	e.tasks = append([]*storage.Task(nil), tasks...)
	e.mu.Unlock()
}

// Tasks returns a snapshot of the registry.
func (e *Engine) Tasks() []*storage.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*storage.Task(nil), e.tasks...)
}

// Run dispatches every due task once. It never fails as a whole: each due
// task gets its own outcome and not-due tasks get none.
func (e *Engine) Run(ctx context.Context) map[string]Outcome {
	e.mu.Lock()
	tasks := append([]*storage.Task(nil), e.tasks...)
	loc := e.loc
	e.mu.Unlock()

	start := time.Now()
	now := e.now().In(loc)
	out := make(map[string]Outcome)

	for _, t := range tasks {
		if !schedule.IsDue(schedule.Expression(t.Expression), now) {
			continue
		}
		o := e.dispatch(ctx, t, now)
		out[t.ID] = o
		e.metrics.ObserveOutcome(o.Status, o.Reason)

		log := e.log.With(logx.String("task_id", t.ID), logx.String("status", o.Status))
		switch o.Status {
		case StatusRunning:
			log.Info("task dispatched", logx.Int64("run_id", o.RunID), logx.Int("pid", o.PID))
		case StatusSkipped:
			log.Debug("task skipped", logx.String("reason", o.Reason))
		default:
			log.Warn("task dispatch failed", logx.String("error", o.Output))
		}
	}

	e.metrics.ObservePass(len(tasks), time.Since(start))
	e.log.Debug("dispatch pass done", logx.Int("tasks", len(tasks)), logx.Int("due", len(out)), logx.Time("at", now))
	return out
}

func (e *Engine) dispatch(ctx context.Context, t *storage.Task, now time.Time) Outcome {
	m := e.Mutex()

	held, err := m.Exists(ctx, t.ID)
	if err != nil {
		return Outcome{Status: StatusError, Output: err.Error()}
	}
	if held {
		return Outcome{Status: StatusSkipped, Reason: ReasonLocked, Output: "Task is locked by mutex"}
	}

	status, ok, err := e.store.GetTaskStatus(ctx, t.ID)
	if err != nil {
		return Outcome{Status: StatusError, Output: err.Error()}
	}
	if ok && status != storage.TaskPending && status != storage.TaskCompleted {
		return Outcome{
			Status: StatusSkipped,
			Reason: ReasonNotReady,
			Output: fmt.Sprintf("Task has status '%s' and is not ready to run", status),
		}
	}

	acquired, err := m.Acquire(ctx, t.ID)
	if err != nil {
		return Outcome{Status: StatusError, Output: err.Error()}
	}
	if !acquired {
		return Outcome{Status: StatusSkipped, Reason: ReasonFailedToAcquire, Output: "Failed to acquire mutex lock"}
	}

	// From here on every failure must release the lock.
	runID, err := e.store.RecordExecution(ctx, t.ID, now, nil, "Process starting...")
	if err != nil {
		return e.abort(ctx, m, t, now, 0, err)
	}

	if e.limiter != nil {
		waitStart := time.Now()
		if err := e.limiter.Wait(ctx); err != nil {
			return e.abort(ctx, m, t, now, runID, fault.Execution("launch throttle", err))
		}
		e.metrics.ObserveLaunchWait(time.Since(waitStart))
	}

	info, err := e.launcher.Launch(ctx, launch.Invocation{
		TaskID:    t.ID,
		RunID:     runID,
		MutexKind: m.Kind(),
		Command:   t.Command,
	})
	if err != nil {
		return e.abort(ctx, m, t, now, runID, err)
	}
	return Outcome{
		Status: StatusRunning,
		Output: fmt.Sprintf("Process started with run ID: %d", runID),
		RunID:  runID,
		PID:    info.PID,
	}
}

// abort undoes a dispatch that failed after the lock was taken.
func (e *Engine) abort(ctx context.Context, m mutex.Mutex, t *storage.Task, now time.Time, runID int64, cause error) Outcome {
	msg := cause.Error()
	log := e.log.With(logx.String("task_id", t.ID))

	// The pass context may be what failed; cleanup must still reach the
	// store and the lock backend.
	cctx := context.WithoutCancel(ctx)

	if _, err := m.Release(cctx, t.ID); err != nil {
		log.Error("release after failed dispatch", logx.Err(err))
	}
	if runID > 0 {
		if _, err := e.store.MarkCompleted(cctx, runID, storage.RunError, msg); err != nil {
			log.Error("close run after failed dispatch", logx.Int64("run_id", runID), logx.Err(err))
		}
	} else {
		if _, err := e.store.RecordExecution(cctx, t.ID, now, storage.Ptr(storage.RunError), msg); err != nil {
			log.Error("record failed dispatch", logx.Err(err))
		}
	}
	return Outcome{Status: StatusError, Output: msg, RunID: runID}
}
