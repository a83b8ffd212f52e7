package storage

import (
	"time"
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Task status values.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskError     = "error"
)

// Run status values. A nil Run.Status is the pending-completion sentinel.
const (
	RunFetchingPID = "fetching_pid"
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunError       = "error"
)

// StaleRunMessage is written into runs forced to error by the stale-run sweep.
const StaleRunMessage = "Task marked as failed - exceeded maximum runtime"

// timeLayout is the persisted timestamp format (UTC). It sorts lexically,
// which the stale-run sweep relies on.
const timeLayout = "2006-01-02 15:04:05"

// Task is a registered recurring command.
type Task struct {
	ID          string
	Command     string
	Expression  string
	Description string
	Status      string
	ExecutedAt  *time.Time
}

// NewTask builds a Task from already-known field values (e.g. a stored row).
func NewTask(id, command, expression, description, status string, executedAt *time.Time) *Task {
	if status == "" {
		status = TaskPending
	}
	return &Task{
		ID:          id,
		Command:     command,
		Expression:  expression,
		Description: description,
		Status:      status,
		ExecutedAt:  executedAt,
	}
}

// Run is one dispatched execution of a Task.
type Run struct {
	RunID      int64
	TaskID     string
	ExecutedAt time.Time
	Status     *string
	Output     string
	Duration   float64 // seconds
	MemoryMB   float64
	PID        *int
	ExitCode   *int
	UpdatedAt  time.Time
}

// Pending reports whether the run has not reached a terminal status yet.
func (r *Run) Pending() bool {
	if r == nil || r.Status == nil {
		return true
	}
	return !IsTerminal(*r.Status)
}

// StatusString renders the status, using "pending" for the sentinel.
func (r *Run) StatusString() string {
	if r == nil || r.Status == nil {
		return "pending"
	}
	return *r.Status
}

// Completion is the terminal write performed by the wrapper.
type Completion struct {
	Status   string
	Output   string
	Duration float64
	MemoryMB float64
	PID      *int
	ExitCode *int
}

// IsTerminal reports whether status ends a run's lifecycle.
func IsTerminal(status string) bool {
	return status == RunCompleted || status == RunError
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
