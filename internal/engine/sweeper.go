package engine

import (
	"context"
	"time"

	"cronkeeper/internal/fault"
	"cronkeeper/internal/metrics"
	"cronkeeper/internal/mutex"
	"cronkeeper/internal/storage"
	logx "cronkeeper/pkg/logx"
)

// SweepStore is the part of the store the sweeper needs.
type SweepStore interface {
	SweepStaleRuns(ctx context.Context, threshold time.Duration) ([]storage.StaleRun, error)
	UpdateTaskState(ctx context.Context, runID int64, status string, at time.Time) error
}

// Sweeper closes runs whose wrapper never reported back. Besides the store
// update it releases the task lock the dead wrapper still holds and mirrors
// the error onto the task, as the wrapper would have.
type Sweeper struct {
	Store   SweepStore
	Mutex   mutex.Mutex
	Metrics *metrics.Registry
	Log     logx.Logger
}

// Sweep returns the runs it closed.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration) ([]storage.StaleRun, error) {
	log := s.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	swept, err := s.Store.SweepStaleRuns(ctx, threshold)
	if err != nil {
		return nil, fault.StaleRun("sweep", err)
	}
	now := time.Now()
	for _, r := range swept {
		l := log.With(logx.String("task_id", r.TaskID), logx.Int64("run_id", r.RunID))
		if err := s.Store.UpdateTaskState(ctx, r.RunID, storage.TaskError, now); err != nil {
			l.Error("mirror stale run onto task", logx.Err(err))
		}
		if s.Mutex != nil && r.TaskID != "" {
			if _, err := s.Mutex.Release(ctx, r.TaskID); err != nil {
				l.Error("release lock of stale run", logx.Err(err))
			}
		}
		l.Warn("stale run closed")
	}
	s.Metrics.ObserveSweep(len(swept))
	return swept, nil
}
