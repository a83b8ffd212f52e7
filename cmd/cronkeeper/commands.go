package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"cronkeeper/internal/app"
	"cronkeeper/internal/engine"
	"cronkeeper/internal/mutex"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/wrapper"
)

var errCancelled = errors.New("cancelled")

// Subcommand flags.
var (
	removeForce   bool
	runsLimit     int
	cleanupMaxAge time.Duration
	cleanupFlags  *pflag.FlagSet
)

var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

func commands() map[string]*command {
	return map[string]*command{
		"run": {
			usage:   "run",
			summary: "Dispatch every due task once and exit",
			run:     runTasks,
		},
		"serve": {
			usage:   "serve",
			summary: "Dispatch every minute until interrupted",
			run: func(ctx context.Context, a *app.App, _ []string) error {
				return a.Serve(ctx)
			},
		},
		"add": {
			usage:   `add <command> <daily|hourly|everyMinute|at:HH:MM> [description]`,
			summary: "Register a command",
			run:     addTask,
		},
		"remove": {
			usage:   "remove <task-id> [--force]",
			summary: "Delete a task and its execution history",
			flags: func(fs *pflag.FlagSet) {
				fs.BoolVarP(&removeForce, "force", "f", false, "do not ask for confirmation")
			},
			run: removeTask,
		},
		"list": {
			usage:   "list",
			summary: "List registered tasks",
			run:     listTasks,
		},
		"runs": {
			usage:   "runs [task-id] [--limit n]",
			summary: "Show recent executions",
			flags: func(fs *pflag.FlagSet) {
				fs.IntVarP(&runsLimit, "limit", "n", 20, "maximum number of executions")
			},
			run: listRuns,
		},
		"cleanup": {
			usage:   "cleanup [--threshold 24h]",
			summary: "Fail executions whose wrapper never reported back",
			flags: func(fs *pflag.FlagSet) {
				fs.DurationVar(&cleanupMaxAge, "threshold", 0, "age after which a pending execution is stale; 0 sweeps every pending one (default sweep.threshold)")
				cleanupFlags = fs
			},
			run: cleanup,
		},
		"clear-executions": {
			usage:   "clear-executions",
			summary: "Delete the whole execution history",
			run:     clearExecutions,
		},
		"reset": {
			usage:   "reset <task-id>",
			summary: "Set a task back to pending after an error",
			run:     resetTask,
		},
		"wrap": {
			usage: "wrap <task-id> <run-id> <mutex-kind> -- <command>",
			mode:  app.ModeWrapper,
			run:   wrapRun,
		},
	}
}

func runTasks(ctx context.Context, a *app.App, _ []string) error {
	fmt.Fprintf(stdout, "Current time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	out, err := a.RunOnce(ctx)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		fmt.Fprintln(stdout, "No tasks to run.")
		return nil
	}
	ids := make([]string, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(stdout, "Executed %d tasks:\n", len(out))
	for _, id := range ids {
		fmt.Fprintf(stdout, "- Task %s: %s\n", id, describeOutcome(out[id]))
	}
	return nil
}

func describeOutcome(o engine.Outcome) string {
	switch o.Status {
	case engine.StatusSkipped:
		return fmt.Sprintf("%s (%s)", o.Status, o.Reason)
	case engine.StatusError:
		return fmt.Sprintf("%s: %s", o.Status, o.Output)
	}
	return fmt.Sprintf("%s (run %d)", o.Status, o.RunID)
}

func addTask(ctx context.Context, a *app.App, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New(`usage: cronkeeper add "command" "frequency" ["description"]` + "\n" +
			"Frequency: daily, hourly, everyMinute, at:HH:MM")
	}
	desc := ""
	if len(args) == 3 {
		desc = args[2]
	}
	t, err := a.AddTask(ctx, args[0], args[1], desc)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Task added successfully: %s\n", t.ID)
	return nil
}

func removeTask(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cronkeeper remove <task-id> [--force] (see cronkeeper list)")
	}
	t, err := a.FindTask(ctx, args[0])
	if err != nil {
		return fmt.Errorf("task with ID '%s': %w", args[0], err)
	}
	if !removeForce {
		fmt.Fprintf(stdout, "Are you sure you want to remove task '%s' with command '%s'? [y/N]: ", t.Description, t.Command)
		line, _ := bufio.NewReader(stdin).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(line)) != "y" {
			return errCancelled
		}
	}
	if err := a.RemoveTask(ctx, t.ID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Task with ID '%s' has been removed.\n", t.ID)
	return nil
}

func listTasks(ctx context.Context, a *app.App, _ []string) error {
	now := time.Now()
	views, err := a.ListTasks(ctx, now)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		fmt.Fprintln(stdout, "No tasks found.")
		return nil
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFREQUENCY\tSTATUS\tLAST RUN\tNEXT RUN\tCOMMAND\tDESCRIPTION")
	for _, v := range views {
		status := v.Task.Status
		if v.Running {
			status += "*"
		}
		last := "never"
		if v.Task.ExecutedAt != nil {
			last = humanize.RelTime(*v.Task.ExecutedAt, now, "ago", "from now")
		}
		next := "-"
		if v.HasNext {
			next = humanize.RelTime(v.Next, now, "ago", "from now")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Task.ID, v.Frequency, status, last, next, truncate(v.Task.Command, 30), v.Task.Description)
	}
	return w.Flush()
}

func listRuns(ctx context.Context, a *app.App, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: cronkeeper runs [task-id] [--limit n]")
	}
	taskID := ""
	if len(args) == 1 {
		taskID = args[0]
	}
	runs, err := a.Runs(ctx, taskID, runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No executions found.")
		return nil
	}
	now := time.Now()
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTASK\tSTARTED\tSTATUS\tEXIT\tDURATION\tMEMORY\tOUTPUT")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.TaskID, humanize.RelTime(r.ExecutedAt, now, "ago", "from now"),
			r.StatusString(), exitCode(r), fmt.Sprintf("%.2fs", r.Duration),
			humanize.IBytes(uint64(r.MemoryMB*1024*1024)), truncate(firstLine(r.Output), 40))
	}
	return w.Flush()
}

func exitCode(r *storage.Run) string {
	if r.ExitCode == nil {
		return "-"
	}
	return strconv.Itoa(*r.ExitCode)
}

// sweepThreshold is --threshold when it was given, def otherwise.
func sweepThreshold(fs *pflag.FlagSet, def time.Duration) time.Duration {
	if fs == nil || !fs.Changed("threshold") {
		return def
	}
	v, err := fs.GetDuration("threshold")
	if err != nil {
		return def
	}
	return v
}

func cleanup(ctx context.Context, a *app.App, _ []string) error {
	threshold := sweepThreshold(cleanupFlags, a.Config().SweepThreshold())
	if threshold < 0 {
		return errors.New("--threshold must be >= 0")
	}
	swept, err := a.Cleanup(ctx, threshold)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Marked %s stale executions as failed.\n", humanize.Comma(int64(len(swept))))
	return nil
}

func clearExecutions(ctx context.Context, a *app.App, _ []string) error {
	n, err := a.ClearExecutions(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear task executions table: %w", err)
	}
	fmt.Fprintf(stdout, "Task executions table has been cleared successfully (%s rows).\n", humanize.Comma(n))
	return nil
}

func resetTask(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cronkeeper reset <task-id>")
	}
	if err := a.Reset(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Task '%s' is pending again.\n", args[0])
	return nil
}

func wrapRun(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 4 {
		return errors.New("usage: cronkeeper wrap <task-id> <run-id> <mutex-kind> -- <command>")
	}
	runID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	kind, err := mutex.ParseKind(args[2])
	if err != nil {
		return err
	}
	return a.Wrap(ctx, kind, wrapper.Job{TaskID: args[0], RunID: runID, Command: args[3]})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
