package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cronkeeper/internal/fault"
	"cronkeeper/internal/schedule"
	logx "cronkeeper/pkg/logx"
)

// pendingClause matches runs that have not reached a terminal status.
const pendingClause = `(status IS NULL OR status IN ('` + RunFetchingPID + `', '` + RunRunning + `'))`

const taskColumns = `id, command, expression, description, status, executed_at`

const runColumns = `run_id, task_id, executed_at, status, output, duration, memory_usage_mb, pid, exit_code, updated_at`

// Save upserts task keyed by its id. Status and executed_at of an existing
// row are left alone: they belong to the wrapper.
func (s *Store) Save(ctx context.Context, t *Task) error {
	if t == nil {
		return fault.Validationf("task required")
	}
	if strings.TrimSpace(t.ID) == "" {
		return fault.Validationf("task id required")
	}
	if strings.TrimSpace(t.Command) == "" {
		return fault.Validationf("task command required")
	}
	if err := schedule.Validate(schedule.Expression(t.Expression)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, command, expression, description)
		 VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   command=excluded.command,
		   expression=excluded.expression,
		   description=excluded.description`,
		t.ID, t.Command, t.Expression, nullStr(t.Description),
	)
	if err != nil {
		return fault.Persistence("save task", err)
	}
	return nil
}

// FindAll returns every task in registration order.
func (s *Store) FindAll(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY rowid`)
	if err != nil {
		return nil, fault.Persistence("find tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fault.Persistence("find tasks", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("find tasks", err)
	}
	return out, nil
}

// FindByID returns the task or (nil, nil) when it does not exist.
func (s *Store) FindByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Persistence("find task", err)
	}
	return t, nil
}

// Delete removes the task and its whole execution history. It reports
// whether a task row was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fault.Persistence("delete task", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_executions WHERE task_id = ?`, id); err != nil {
		return false, fault.Persistence("delete task", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fault.Persistence("delete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault.Persistence("delete task", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fault.Persistence("delete task", err)
	}
	return n > 0, nil
}

// RecordExecution inserts a new run. A nil status creates the run in the
// pending-completion state.
func (s *Store) RecordExecution(ctx context.Context, taskID string, when time.Time, status *string, output string) (int64, error) {
	if strings.TrimSpace(taskID) == "" {
		return 0, fault.Validationf("task id required")
	}
	var st any
	if status != nil {
		st = *status
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_executions(task_id, executed_at, status, output, updated_at)
		 VALUES(?,?,?,?,?)`,
		taskID, formatTime(when), st, output, formatTime(s.now()),
	)
	if err != nil {
		return 0, fault.Persistence("record execution", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fault.Persistence("record execution", err)
	}
	return id, nil
}

// MarkCompleted moves a still-pending run to a terminal status. It reports
// false (and changes nothing) if the run already finished.
func (s *Store) MarkCompleted(ctx context.Context, runID int64, status, output string) (bool, error) {
	if !IsTerminal(status) {
		return false, fault.Validationf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions
		 SET status = ?, output = ?, updated_at = ?
		 WHERE run_id = ? AND `+pendingClause,
		status, output, formatTime(s.now()), runID,
	)
	return affected(res, err, "mark completed")
}

// FinishRun is the metrics-bearing form of MarkCompleted used by the wrapper.
func (s *Store) FinishRun(ctx context.Context, runID int64, c Completion) (bool, error) {
	if !IsTerminal(c.Status) {
		return false, fault.Validationf("status %q is not terminal", c.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions
		 SET status = ?, output = ?, duration = ?, memory_usage_mb = ?, pid = ?, exit_code = ?, updated_at = ?
		 WHERE run_id = ? AND `+pendingClause,
		c.Status, c.Output, c.Duration, c.MemoryMB, nullInt(c.PID), nullInt(c.ExitCode), formatTime(s.now()), runID,
	)
	return affected(res, err, "finish run")
}

// UpdateRunProgress writes an informational status (and pid) to a run that
// is still pending.
func (s *Store) UpdateRunProgress(ctx context.Context, runID int64, status string, pid *int) error {
	if IsTerminal(status) {
		return fault.Validationf("status %q is terminal; use FinishRun", status)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_executions
		 SET status = ?, pid = ?, updated_at = ?
		 WHERE run_id = ? AND `+pendingClause,
		status, nullInt(pid), formatTime(s.now()), runID,
	)
	if err != nil {
		return fault.Persistence("update run progress", err)
	}
	return nil
}

// UpdateTaskState mirrors a run's status onto its parent task.
func (s *Store) UpdateTaskState(ctx context.Context, runID int64, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, executed_at = ?
		 WHERE id = (SELECT task_id FROM task_executions WHERE run_id = ?)`,
		status, formatTime(at), runID,
	)
	if err != nil {
		return fault.Persistence("update task state", err)
	}
	return nil
}

// ResetTask puts a task back to pending so the dispatcher will consider it
// again (e.g. after an error).
func (s *Store) ResetTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, TaskPending, id)
	return affected(res, err, "reset task")
}

// GetTaskStatus returns the persisted status of a task; ok is false if the
// task does not exist or has no status.
func (s *Store) GetTaskStatus(ctx context.Context, id string) (string, bool, error) {
	var st sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.Persistence("get task status", err)
	}
	if !st.Valid || st.String == "" {
		return "", false, nil
	}
	return st.String, true, nil
}

// StaleRun identifies a run closed by the stale-run sweep.
type StaleRun struct {
	RunID  int64
	TaskID string
}

// CleanupStaleTasks forces runs still pending after threshold to error with
// StaleRunMessage. Younger or terminal runs are untouched.
func (s *Store) CleanupStaleTasks(ctx context.Context, threshold time.Duration) (int64, error) {
	swept, err := s.SweepStaleRuns(ctx, threshold)
	return int64(len(swept)), err
}

// SweepStaleRuns is CleanupStaleTasks returning the affected runs, so the
// caller can release their locks and fix the parent tasks.
func (s *Store) SweepStaleRuns(ctx context.Context, threshold time.Duration) ([]StaleRun, error) {
	if threshold < 0 {
		return nil, fault.Validationf("threshold must be >= 0")
	}
	now := s.now()
	cutoff := formatTime(now.Add(-threshold))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Persistence("sweep stale runs", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT run_id, task_id FROM task_executions WHERE `+pendingClause+` AND executed_at < ? ORDER BY run_id`,
		cutoff,
	)
	if err != nil {
		return nil, fault.Persistence("sweep stale runs", err)
	}
	var out []StaleRun
	for rows.Next() {
		var r StaleRun
		var taskID sql.NullString
		if err := rows.Scan(&r.RunID, &taskID); err != nil {
			_ = rows.Close()
			return nil, fault.Persistence("sweep stale runs", err)
		}
		r.TaskID = taskID.String
		out = append(out, r)
	}
	if err := rows.Close(); err != nil {
		return nil, fault.Persistence("sweep stale runs", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("sweep stale runs", err)
	}

	for _, r := range out {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_executions SET status = ?, output = ?, updated_at = ?
			 WHERE run_id = ? AND `+pendingClause,
			RunError, StaleRunMessage, formatTime(now), r.RunID,
		); err != nil {
			return nil, fault.Persistence("sweep stale runs", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Persistence("sweep stale runs", err)
	}
	if len(out) > 0 {
		s.log.Warn("stale runs swept", logx.Int("count", len(out)), logx.Duration("threshold", threshold))
	}
	return out, nil
}

// IsTaskRunning reports whether the task has a pending run.
func (s *Store) IsTaskRunning(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_executions WHERE task_id = ? AND `+pendingClause, taskID,
	).Scan(&n)
	if err != nil {
		return false, fault.Persistence("is task running", err)
	}
	return n > 0, nil
}

// GetRun returns the run or (nil, nil) when it does not exist.
func (s *Store) GetRun(ctx context.Context, runID int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_executions WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Persistence("get run", err)
	}
	return r, nil
}

// ListRuns returns the newest runs first. An empty taskID lists all tasks;
// limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]*Run, error) {
	q := `SELECT ` + runColumns + ` FROM task_executions`
	var args []any
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY run_id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fault.Persistence("list runs", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fault.Persistence("list runs", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Persistence("list runs", err)
	}
	return out, nil
}

// ClearExecutions removes every execution row.
func (s *Store) ClearExecutions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_executions`)
	if err != nil {
		return 0, fault.Persistence("clear executions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Persistence("clear executions", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var (
		id, command, expr string
		desc, status      sql.NullString
		executedAt        sql.NullString
	)
	if err := sc.Scan(&id, &command, &expr, &desc, &status, &executedAt); err != nil {
		return nil, err
	}
	var at *time.Time
	if executedAt.Valid {
		if t, ok := parseTime(executedAt.String); ok {
			at = &t
		}
	}
	return NewTask(id, command, expr, desc.String, status.String, at), nil
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r          Run
		taskID     sql.NullString
		executedAt sql.NullString
		status     sql.NullString
		output     sql.NullString
		duration   sql.NullFloat64
		memory     sql.NullFloat64
		pid        sql.NullInt64
		exitCode   sql.NullInt64
		updatedAt  sql.NullString
	)
	if err := sc.Scan(&r.RunID, &taskID, &executedAt, &status, &output, &duration, &memory, &pid, &exitCode, &updatedAt); err != nil {
		return nil, err
	}
	r.TaskID = taskID.String
	if t, ok := parseTime(executedAt.String); ok {
		r.ExecutedAt = t
	}
	if status.Valid {
		r.Status = Ptr(status.String)
	}
	r.Output = output.String
	r.Duration = duration.Float64
	r.MemoryMB = memory.Float64
	if pid.Valid {
		r.PID = Ptr(int(pid.Int64))
	}
	if exitCode.Valid {
		r.ExitCode = Ptr(int(exitCode.Int64))
	}
	if t, ok := parseTime(updatedAt.String); ok {
		r.UpdatedAt = t
	}
	return &r, nil
}

func affected(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fault.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault.Persistence(op, err)
	}
	return n > 0, nil
}
