package engine

import (
	"context"
	"time"

	"cronkeeper/internal/mutex"
	"cronkeeper/internal/storage"
)

// Outcome statuses.
const (
	StatusRunning = "running"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Skip reasons.
const (
	ReasonLocked          = "locked"
	ReasonNotReady        = "not ready"
	ReasonFailedToAcquire = "failed to acquire"
)

// Outcome is the per-task result of one dispatch pass.
type Outcome struct {
	Status string
	Reason string
	Output string
	RunID  int64
	PID    int
}

// Store is the part of the task store the engine needs.
type Store interface {
	Save(ctx context.Context, t *storage.Task) error
	FindAll(ctx context.Context) ([]*storage.Task, error)
	Delete(ctx context.Context, id string) (bool, error)
	RecordExecution(ctx context.Context, taskID string, when time.Time, status *string, output string) (int64, error)
	MarkCompleted(ctx context.Context, runID int64, status, output string) (bool, error)
	GetTaskStatus(ctx context.Context, id string) (string, bool, error)
}

// Scheduler is the contract any dispatcher implementation offers.
type Scheduler interface {
	Register(ctx context.Context, command string) (*TaskHandle, error)
	AddExisting(t *storage.Task)
	Run(ctx context.Context) map[string]Outcome
	SetMutex(m mutex.Mutex)
	Mutex() mutex.Mutex
}

var _ Scheduler = (*Engine)(nil)
