package app

import (
	"context"
	"time"

	"cronkeeper/internal/engine"
	"cronkeeper/internal/fault"
	"cronkeeper/internal/mutex"
	"cronkeeper/internal/proc"
	"cronkeeper/internal/schedule"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/wrapper"
	logx "cronkeeper/pkg/logx"
)

// RunOnce reloads the task definitions and runs one dispatch pass.
func (a *App) RunOnce(ctx context.Context) (map[string]engine.Outcome, error) {
	eng, loader, err := a.Engine(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := loader.LoadTasks(ctx); err != nil {
		return nil, err
	}
	out := eng.Run(ctx)
	releasePassLeases(ctx, eng.Mutex(), a.log)
	return out, nil
}

// releasePassLeases drops the in-process leases a lock service handed out
// during a pass. Those locks cover the dispatch itself: the wrapper runs in
// another process and cannot release them.
func releasePassLeases(ctx context.Context, m mutex.Mutex, log logx.Logger) {
	r, ok := m.(interface{ ReleaseAll(context.Context) int })
	if !ok {
		return
	}
	if n := r.ReleaseAll(context.WithoutCancel(ctx)); n > 0 {
		log.Debug("pass leases released", logx.Int("count", n))
	}
}

// AddTask registers command with a frequency keyword (daily, hourly,
// everyMinute, at:HH:MM).
func (a *App) AddTask(ctx context.Context, command, frequency, description string) (*storage.Task, error) {
	// Registration needs neither the launcher nor the lock backend.
	loader := engine.NewLoader(a.store, &registry{}, a.log.With(logx.String("comp", "loader")))
	return loader.AddTask(ctx, command, frequency, description)
}

func (a *App) FindTask(ctx context.Context, id string) (*storage.Task, error) {
	t, err := a.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fault.Validation(fault.ErrTaskNotFound)
	}
	return t, nil
}

// RemoveTask deletes the task and its history.
func (a *App) RemoveTask(ctx context.Context, id string) error {
	return engine.NewLoader(a.store, &registry{}, a.log.With(logx.String("comp", "loader"))).RemoveTask(ctx, id)
}

// TaskView is one row of the task listing.
type TaskView struct {
	Task      *storage.Task
	Frequency string
	Next      time.Time
	HasNext   bool
	Running   bool
}

// ListTasks returns every task with its next activation in the dispatch
// timezone.
func (a *App) ListTasks(ctx context.Context, now time.Time) ([]TaskView, error) {
	tasks, err := a.store.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		expr := schedule.Expression(t.Expression)
		v := TaskView{Task: t, Frequency: schedule.Describe(expr)}
		v.Next, v.HasNext = schedule.Next(expr, now.In(loc))
		if v.Running, err = a.store.IsTaskRunning(ctx, t.ID); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Runs lists executions, newest first. An empty taskID lists all tasks.
func (a *App) Runs(ctx context.Context, taskID string, limit int) ([]*storage.Run, error) {
	return a.store.ListRuns(ctx, taskID, limit)
}

// Cleanup closes runs pending for longer than threshold and releases the
// locks their wrappers held. A zero threshold closes every pending run.
func (a *App) Cleanup(ctx context.Context, threshold time.Duration) ([]storage.StaleRun, error) {
	m, err := a.Mutex(a.cfg.MutexKind())
	if err != nil {
		return nil, err
	}
	sw := &engine.Sweeper{
		Store:   a.store,
		Mutex:   m,
		Metrics: a.metrics,
		Log:     a.log.With(logx.String("comp", "sweep")),
	}
	return sw.Sweep(ctx, threshold)
}

func (a *App) ClearExecutions(ctx context.Context) (int64, error) {
	n, err := a.store.ClearExecutions(ctx)
	if err == nil {
		a.log.Info("executions cleared", logx.Int64("rows", n))
	}
	return n, err
}

// Reset puts a task back to pending so dispatch picks it up again.
func (a *App) Reset(ctx context.Context, id string) error {
	ok, err := a.store.ResetTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Validation(fault.ErrTaskNotFound)
	}
	a.log.Info("task reset", logx.String("task_id", id))
	return nil
}

// Wrap supervises one dispatched run in this process.
func (a *App) Wrap(ctx context.Context, kind mutex.Kind, job wrapper.Job) error {
	m, err := a.Mutex(kind)
	if err != nil {
		return err
	}
	w, err := wrapper.New(wrapper.Options{
		Store:        a.store,
		Mutex:        m,
		Spawner:      proc.ShellSpawner{},
		PollInterval: a.cfg.PollInterval(),
		OutputDir:    a.cfg.Wrapper.OutputDir,
		Log:          a.log.With(logx.String("comp", "wrapper")),
	})
	if err != nil {
		return err
	}
	return w.Run(ctx, job)
}

// registry is a throwaway in-memory scheduler for one-shot registration
// commands.
type registry struct {
	tasks []*storage.Task
}

func (r *registry) AddExisting(t *storage.Task) { r.tasks = append(r.tasks, t) }
