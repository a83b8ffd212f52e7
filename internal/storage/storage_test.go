package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cronkeeper/internal/fault"
	"cronkeeper/internal/schedule"
	logx "cronkeeper/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustSave(t *testing.T, st *Store, id string, expr schedule.Expression) {
	t.Helper()
	if err := st.Save(context.Background(), NewTask(id, "echo "+id, string(expr), "test task", "", nil)); err != nil {
		t.Fatalf("Save(%s): %v", id, err)
	}
}

func TestSaveFindRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustSave(t, st, "b", schedule.Daily)
	mustSave(t, st, "a", schedule.At(14, 30))

	all, err := st.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(all) != 2 || all[0].ID != "b" || all[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", all)
	}
	if all[1].Expression != "30 14 * * *" || all[1].Status != TaskPending || all[1].ExecutedAt != nil {
		t.Fatalf("unexpected task: %+v", all[1])
	}

	got, err := st.FindByID(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("FindByID(missing) = %v, %v", got, err)
	}
}

func TestSaveKeepsWrapperOwnedFields(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustSave(t, st, "t1", schedule.Hourly)
	runID, err := st.RecordExecution(ctx, "t1", time.Now(), nil, "")
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := st.UpdateTaskState(ctx, runID, TaskCompleted, time.Now()); err != nil {
		t.Fatalf("UpdateTaskState: %v", err)
	}

	if err := st.Save(ctx, NewTask("t1", "echo updated", string(schedule.Daily), "", "", nil)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.FindByID(ctx, "t1")
	if err != nil || got == nil {
		t.Fatalf("FindByID: %v, %v", got, err)
	}
	if got.Command != "echo updated" || got.Expression != string(schedule.Daily) {
		t.Fatalf("definition not updated: %+v", got)
	}
	if got.Status != TaskCompleted || got.ExecutedAt == nil {
		t.Fatalf("status lost on upsert: %+v", got)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	cases := []*Task{
		NewTask("", "echo", string(schedule.Daily), "", "", nil),
		NewTask("x", " ", string(schedule.Daily), "", "", nil),
		NewTask("x", "echo", "*/5 * * * *", "", "", nil),
	}
	for _, c := range cases {
		if err := st.Save(ctx, c); !fault.Is(err, fault.KindValidation) {
			t.Fatalf("Save(%+v) = %v, want validation error", c, err)
		}
	}
}

func TestMarkCompletedIsGuarded(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustSave(t, st, "t1", schedule.EveryMinute)

	runID, err := st.RecordExecution(ctx, "t1", time.Now(), nil, "")
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	ok, err := st.MarkCompleted(ctx, runID, RunCompleted, "done")
	if err != nil || !ok {
		t.Fatalf("first MarkCompleted = %v, %v", ok, err)
	}
	ok, err = st.MarkCompleted(ctx, runID, RunError, "late")
	if err != nil || ok {
		t.Fatalf("second MarkCompleted = %v, %v; want false", ok, err)
	}
	run, err := st.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	if run.StatusString() != RunCompleted || run.Output != "done" {
		t.Fatalf("terminal row overwritten: %+v", run)
	}
	if _, err := st.MarkCompleted(ctx, runID, RunRunning, ""); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("non-terminal status accepted: %v", err)
	}
}

func TestProgressThenFinish(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustSave(t, st, "t1", schedule.EveryMinute)

	runID, err := st.RecordExecution(ctx, "t1", time.Now(), nil, "")
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := st.UpdateRunProgress(ctx, runID, RunFetchingPID, nil); err != nil {
		t.Fatalf("progress fetching_pid: %v", err)
	}
	if err := st.UpdateRunProgress(ctx, runID, RunRunning, Ptr(4242)); err != nil {
		t.Fatalf("progress running: %v", err)
	}
	running, err := st.IsTaskRunning(ctx, "t1")
	if err != nil || !running {
		t.Fatalf("IsTaskRunning = %v, %v", running, err)
	}

	ok, err := st.FinishRun(ctx, runID, Completion{
		Status:   RunCompleted,
		Output:   "hello\n",
		Duration: 1.5,
		MemoryMB: 2.25,
		PID:      Ptr(4242),
		ExitCode: Ptr(0),
	})
	if err != nil || !ok {
		t.Fatalf("FinishRun = %v, %v", ok, err)
	}
	run, err := st.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Pending() || run.Output != "hello\n" || run.Duration != 1.5 || run.MemoryMB != 2.25 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.PID == nil || *run.PID != 4242 || run.ExitCode == nil || *run.ExitCode != 0 {
		t.Fatalf("pid/exit code not stored: %+v", run)
	}

	// A late informational write must not reopen a terminal run.
	if err := st.UpdateRunProgress(ctx, runID, RunRunning, Ptr(1)); err != nil {
		t.Fatalf("late progress: %v", err)
	}
	run, _ = st.GetRun(ctx, runID)
	if run.StatusString() != RunCompleted {
		t.Fatalf("terminal run reopened: %s", run.StatusString())
	}
	running, _ = st.IsTaskRunning(ctx, "t1")
	if running {
		t.Fatal("task still reported running")
	}
}

func TestCleanupStaleTasks(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }
	mustSave(t, st, "t1", schedule.EveryMinute)

	old, err := st.RecordExecution(ctx, "t1", now.Add(-30*time.Hour), nil, "")
	if err != nil {
		t.Fatalf("RecordExecution old: %v", err)
	}
	young, err := st.RecordExecution(ctx, "t1", now.Add(-2*time.Hour), nil, "")
	if err != nil {
		t.Fatalf("RecordExecution young: %v", err)
	}
	done, err := st.RecordExecution(ctx, "t1", now.Add(-48*time.Hour), Ptr(RunCompleted), "ok")
	if err != nil {
		t.Fatalf("RecordExecution done: %v", err)
	}

	n, err := st.CleanupStaleTasks(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("CleanupStaleTasks = %d, %v; want 1", n, err)
	}

	r, _ := st.GetRun(ctx, old)
	if r.StatusString() != RunError || r.Output != StaleRunMessage {
		t.Fatalf("old run not swept: %+v", r)
	}
	r, _ = st.GetRun(ctx, young)
	if !r.Pending() {
		t.Fatalf("young run swept: %+v", r)
	}
	r, _ = st.GetRun(ctx, done)
	if r.StatusString() != RunCompleted || r.Output != "ok" {
		t.Fatalf("terminal run touched: %+v", r)
	}

	n, err = st.CleanupStaleTasks(ctx, 24*time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v; want 0", n, err)
	}
}

func TestSweepStaleRunsReportsTasks(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	mustSave(t, st, "t1", schedule.EveryMinute)

	runID, err := st.RecordExecution(ctx, "t1", now.Add(-time.Hour), Ptr(RunRunning), "")
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	swept, err := st.SweepStaleRuns(ctx, time.Minute)
	if err != nil {
		t.Fatalf("SweepStaleRuns: %v", err)
	}
	if len(swept) != 1 || swept[0].RunID != runID || swept[0].TaskID != "t1" {
		t.Fatalf("unexpected sweep result: %+v", swept)
	}
	if _, err := st.SweepStaleRuns(ctx, -time.Second); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("negative threshold accepted: %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustSave(t, st, "t1", schedule.EveryMinute)
	mustSave(t, st, "t2", schedule.EveryMinute)

	for i := 0; i < 3; i++ {
		if _, err := st.RecordExecution(ctx, "t1", time.Now(), Ptr(RunCompleted), ""); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}
	if _, err := st.RecordExecution(ctx, "t2", time.Now(), Ptr(RunCompleted), ""); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	ok, err := st.Delete(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	runs, err := st.ListRuns(ctx, "t1", 0)
	if err != nil || len(runs) != 0 {
		t.Fatalf("runs left after delete: %d, %v", len(runs), err)
	}
	runs, _ = st.ListRuns(ctx, "t2", 0)
	if len(runs) != 1 {
		t.Fatalf("other task's runs touched: %d", len(runs))
	}

	ok, err = st.Delete(ctx, "t1")
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v; want false", ok, err)
	}
}

func TestTaskStatusAndReset(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustSave(t, st, "t1", schedule.EveryMinute)

	status, ok, err := st.GetTaskStatus(ctx, "t1")
	if err != nil || !ok || status != TaskPending {
		t.Fatalf("GetTaskStatus = %q, %v, %v", status, ok, err)
	}
	if _, ok, _ := st.GetTaskStatus(ctx, "nope"); ok {
		t.Fatal("status reported for missing task")
	}

	runID, _ := st.RecordExecution(ctx, "t1", time.Now(), nil, "")
	if err := st.UpdateTaskState(ctx, runID, TaskError, time.Now()); err != nil {
		t.Fatalf("UpdateTaskState: %v", err)
	}
	status, _, _ = st.GetTaskStatus(ctx, "t1")
	if status != TaskError {
		t.Fatalf("status = %q, want error", status)
	}
	if ok, err := st.ResetTask(ctx, "t1"); err != nil || !ok {
		t.Fatalf("ResetTask = %v, %v", ok, err)
	}
	status, _, _ = st.GetTaskStatus(ctx, "t1")
	if status != TaskPending {
		t.Fatalf("status after reset = %q", status)
	}
}

func TestListRunsAndClear(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustSave(t, st, "t1", schedule.EveryMinute)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := st.RecordExecution(ctx, "t1", time.Now(), Ptr(RunCompleted), "")
		if err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
		last = id
	}
	runs, err := st.ListRuns(ctx, "", 2)
	if err != nil || len(runs) != 2 || runs[0].RunID != last {
		t.Fatalf("ListRuns = %d runs, %v", len(runs), err)
	}
	n, err := st.ClearExecutions(ctx)
	if err != nil || n != 5 {
		t.Fatalf("ClearExecutions = %d, %v", n, err)
	}
	if _, err := st.RecordExecution(ctx, "", time.Now(), nil, ""); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("empty task id accepted: %v", err)
	}
}
