package engine

import (
	"context"

	"github.com/google/uuid"

	"cronkeeper/internal/fault"
	"cronkeeper/internal/schedule"
	"cronkeeper/internal/storage"
	logx "cronkeeper/pkg/logx"
)

// Registrar receives loaded task definitions. A Scheduler is one; it may
// also implement ReplaceTasks and RemoveTask.
type Registrar interface {
	AddExisting(t *storage.Task)
}

// Loader moves task definitions between the store and a Registrar.
type Loader struct {
	store     Store
	scheduler Registrar
	log       logx.Logger
}

func NewLoader(store Store, s Registrar, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{store: store, scheduler: s, log: log}
}

// LoadTasks registers every stored task and returns how many were loaded.
func (l *Loader) LoadTasks(ctx context.Context) (int, error) {
	tasks, err := l.store.FindAll(ctx)
	if err != nil {
		return 0, err
	}
	if r, ok := l.scheduler.(interface{ ReplaceTasks([]*storage.Task) }); ok {
		r.ReplaceTasks(tasks)
	} else {
		for _, t := range tasks {
			l.scheduler.AddExisting(t)
		}
	}
	l.log.Debug("tasks loaded", logx.Int("count", len(tasks)))
	return len(tasks), nil
}

// AddTask validates frequency, persists a new task and registers it.
func (l *Loader) AddTask(ctx context.Context, command, frequency, description string) (*storage.Task, error) {
	if command == "" {
		return nil, fault.Validationf("command required")
	}
	expr, err := schedule.ParseFrequency(frequency)
	if err != nil {
		return nil, err
	}
	t := storage.NewTask(uuid.NewString(), command, string(expr), description, "", nil)
	if err := l.store.Save(ctx, t); err != nil {
		return nil, err
	}
	l.scheduler.AddExisting(t)
	l.log.Info("task added", logx.String("task_id", t.ID), logx.String("expression", t.Expression))
	return t, nil
}

// RemoveTask deletes the task and its history. A missing id reports
// fault.ErrTaskNotFound.
func (l *Loader) RemoveTask(ctx context.Context, id string) error {
	ok, err := l.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Validation(fault.ErrTaskNotFound)
	}
	if r, ok := l.scheduler.(interface{ RemoveTask(string) }); ok {
		r.RemoveTask(id)
	}
	l.log.Info("task removed", logx.String("task_id", id))
	return nil
}
