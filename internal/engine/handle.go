package engine

import (
	"context"

	"cronkeeper/internal/schedule"
	"cronkeeper/internal/storage"
)

// TaskHandle refines a registered task. Frequency setters chain; the first
// invalid value is kept and returned by Save.
type TaskHandle struct {
	task  *storage.Task
	store Store
	err   error
}

func (h *TaskHandle) ID() string          { return h.task.ID }
func (h *TaskHandle) Task() *storage.Task { return h.task }

func (h *TaskHandle) EveryMinute() *TaskHandle { return h.expr(schedule.EveryMinute) }
func (h *TaskHandle) Hourly() *TaskHandle      { return h.expr(schedule.Hourly) }
func (h *TaskHandle) Daily() *TaskHandle       { return h.expr(schedule.Daily) }

// At schedules a daily run at hhmm ("HH:MM", 24h clock).
func (h *TaskHandle) At(hhmm string) *TaskHandle {
	expr, err := schedule.ParseFrequency("at:" + hhmm)
	if err != nil {
		if h.err == nil {
			h.err = err
		}
		return h
	}
	return h.expr(expr)
}

// Frequency applies a registration keyword (see schedule.ParseFrequency).
func (h *TaskHandle) Frequency(raw string) *TaskHandle {
	expr, err := schedule.ParseFrequency(raw)
	if err != nil {
		if h.err == nil {
			h.err = err
		}
		return h
	}
	return h.expr(expr)
}

func (h *TaskHandle) Describe(description string) *TaskHandle {
	h.task.Description = description
	return h
}

func (h *TaskHandle) expr(e schedule.Expression) *TaskHandle {
	h.task.Expression = string(e)
	return h
}

// Save persists the definition. Nothing is written if a setter failed.
func (h *TaskHandle) Save(ctx context.Context) error {
	if h.err != nil {
		return h.err
	}
	return h.store.Save(ctx, h.task)
}
