// Package wrapper supervises one dispatched run: it starts the command,
// polls it until exit and writes the result back to the store.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"cronkeeper/internal/fault"
	"cronkeeper/internal/mutex"
	"cronkeeper/internal/proc"
	"cronkeeper/internal/storage"
	logx "cronkeeper/pkg/logx"
)

// FailedToStart is written to runs whose command produced no process.
const FailedToStart = "Failed to start process"

const defaultPollInterval = time.Second

// Store is the part of the task store the wrapper writes to.
type Store interface {
	UpdateRunProgress(ctx context.Context, runID int64, status string, pid *int) error
	FinishRun(ctx context.Context, runID int64, c storage.Completion) (bool, error)
	UpdateTaskState(ctx context.Context, runID int64, status string, at time.Time) error
}

// Options configures a Wrapper.
type Options struct {
	Store   Store
	Mutex   mutex.Mutex
	Spawner proc.Spawner
	// PollInterval is the liveness check period (default 1s).
	PollInterval time.Duration
	// OutputDir holds task_<run-id>.out files (default os.TempDir()).
	OutputDir string
	Log       logx.Logger
}

// Job identifies the run to supervise.
type Job struct {
	TaskID  string
	RunID   int64
	Command string
}

type Wrapper struct {
	store   Store
	mutex   mutex.Mutex
	spawner proc.Spawner
	poll    time.Duration
	dir     string
	log     logx.Logger
}

func New(opts Options) (*Wrapper, error) {
	if opts.Store == nil || opts.Mutex == nil {
		return nil, fault.Validationf("wrapper: store and mutex required")
	}
	if opts.Spawner == nil {
		opts.Spawner = proc.ShellSpawner{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.OutputDir == "" {
		opts.OutputDir = os.TempDir()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Wrapper{
		store:   opts.Store,
		mutex:   opts.Mutex,
		spawner: opts.Spawner,
		poll:    opts.PollInterval,
		dir:     opts.OutputDir,
		log:     opts.Log,
	}, nil
}

// OutputPath is where the command's combined output is collected.
func (w *Wrapper) OutputPath(runID int64) string {
	return filepath.Join(w.dir, fmt.Sprintf("task_%d.out", runID))
}

// Run supervises job until the command exits. The lock for job.TaskID is
// released on every path that reaches a terminal write. If ctx ends while
// the command is still running the run is left pending for the sweep.
func (w *Wrapper) Run(ctx context.Context, job Job) error {
	if job.TaskID == "" || job.RunID <= 0 || job.Command == "" {
		return fault.Validationf("wrapper: task id, run id and command required")
	}
	log := w.log.With(logx.String("task_id", job.TaskID), logx.Int64("run_id", job.RunID))
	log.Info("wrapper started", logx.String("command", job.Command))
	start := time.Now()

	w.progress(ctx, log, job.RunID, storage.RunFetchingPID, nil)

	outPath := w.OutputPath(job.RunID)
	out, err := os.Create(outPath)
	if err != nil {
		w.fail(ctx, log, job, fmt.Errorf("create output file: %w", err))
		return fault.Execution("output file", err)
	}

	h, err := w.spawner.Spawn(ctx, job.Command, out)
	if err != nil || h == nil || h.Pid() <= 0 {
		_ = out.Close()
		_ = os.Remove(outPath)
		if err == nil {
			err = errors.New("no process id")
		}
		w.fail(ctx, log, job, err)
		return fault.Execution("spawn", err)
	}
	pid := h.Pid()
	log.Info("command started", logx.Int("pid", pid))
	w.progress(ctx, log, job.RunID, storage.RunRunning, &pid)

	if err := w.await(ctx, h); err != nil {
		_ = out.Close()
		log.Warn("supervision interrupted; run left for the stale sweep", logx.Int("pid", pid), logx.Err(err))
		return err
	}

	res, waitErr := h.Wait()
	_ = out.Close()
	output, readErr := os.ReadFile(outPath)
	if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
		log.Warn("read command output", logx.Err(readErr))
	}
	if err := os.Remove(outPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove output file", logx.Err(err))
	}
	if waitErr != nil {
		log.Warn("wait for command", logx.Err(waitErr))
	}

	c := storage.Completion{
		Status:   storage.RunCompleted,
		Output:   string(output),
		Duration: round(time.Since(start).Seconds(), 4),
		MemoryMB: round(float64(res.MaxRSS)/1024/1024, 2),
		PID:      &pid,
		ExitCode: &res.ExitCode,
	}
	cctx := context.WithoutCancel(ctx)
	applied, err := w.store.FinishRun(cctx, job.RunID, c)
	switch {
	case err != nil:
		log.Error("record completion", logx.Err(err))
	case !applied:
		log.Warn("run already terminal; completion not recorded")
	default:
		w.mirror(cctx, log, job.RunID, storage.TaskCompleted)
	}
	w.release(cctx, log, job.TaskID)

	log.Info("command finished",
		logx.Int("exit_code", res.ExitCode),
		logx.Float64("duration_s", c.Duration),
		logx.Float64("memory_mb", c.MemoryMB),
	)
	return err
}

func (w *Wrapper) await(ctx context.Context, h proc.Handle) error {
	if !h.Alive() {
		return nil
	}
	t := time.NewTicker(w.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if !h.Alive() {
				return nil
			}
		}
	}
}

func (w *Wrapper) progress(ctx context.Context, log logx.Logger, runID int64, status string, pid *int) {
	if err := w.store.UpdateRunProgress(ctx, runID, status, pid); err != nil {
		log.Error("record progress", logx.String("status", status), logx.Err(err))
		return
	}
	w.mirror(ctx, log, runID, status)
}

// mirror copies the run status onto the parent task.
func (w *Wrapper) mirror(ctx context.Context, log logx.Logger, runID int64, status string) {
	if err := w.store.UpdateTaskState(ctx, runID, status, time.Now()); err != nil {
		log.Error("update task state", logx.String("status", status), logx.Err(err))
	}
}

func (w *Wrapper) fail(ctx context.Context, log logx.Logger, job Job, cause error) {
	log.Error("command did not start", logx.Err(cause))
	cctx := context.WithoutCancel(ctx)
	applied, err := w.store.FinishRun(cctx, job.RunID, storage.Completion{Status: storage.RunError, Output: FailedToStart})
	if err != nil {
		log.Error("record start failure", logx.Err(err))
	} else if applied {
		w.mirror(cctx, log, job.RunID, storage.TaskError)
	}
	w.release(cctx, log, job.TaskID)
}

func (w *Wrapper) release(ctx context.Context, log logx.Logger, taskID string) {
	if ok, err := w.mutex.Release(ctx, taskID); err != nil || !ok {
		log.Error("failed to release mutex", logx.Err(err))
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
