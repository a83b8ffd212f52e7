// Package proc starts shell commands and reports on their lifetime.
package proc

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cronkeeper/internal/fault"
)

// Shell runs every command line; commands keep full shell semantics.
const Shell = "/bin/sh"

// Result describes a finished process.
type Result struct {
	ExitCode int
	// MaxRSS is the command's peak resident memory in bytes, 0 if unknown.
	// Memory the child shared with this process before exec is not counted.
	MaxRSS   int64
	Started  time.Time
	Exited   time.Time
}

// Duration is the wall time between start and exit.
func (r Result) Duration() time.Duration { return r.Exited.Sub(r.Started) }

// Handle is a started process.
type Handle interface {
	Pid() int
	// Alive is false once the process has exited and been reaped.
	Alive() bool
	// Wait blocks until exit.
	Wait() (Result, error)
}

// Spawner starts commands.
type Spawner interface {
	Spawn(ctx context.Context, command string, out *os.File) (Handle, error)
}

// ShellSpawner runs commands with Shell -c.
type ShellSpawner struct {
	// Env is appended to the current environment.
	Env []string
	Dir string
}

// Spawn starts command with stdout and stderr to out. ctx only bounds the
// start; the command is never cancelled.
func (s ShellSpawner) Spawn(ctx context.Context, command string, out *os.File) (Handle, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fault.Validationf("command required")
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Execution("spawn", err)
	}
	cmd := exec.Command(Shell, "-c", command)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	// The child's rusage starts from this process's high-water mark.
	base := selfMaxRSS()
	if err := cmd.Start(); err != nil {
		return nil, fault.Execution("spawn", err)
	}
	h := &handle{cmd: cmd, base: base, started: time.Now(), done: make(chan struct{})}
	go h.reap()
	return h, nil
}

type handle struct {
	cmd     *exec.Cmd
	base    int64
	started time.Time
	done    chan struct{}
	// peak is the highest resident size sampled while running.
	peak atomic.Int64

	mu  sync.Mutex
	res Result
	err error
}

func (h *handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *handle) reap() {
	err := h.cmd.Wait()
	res := Result{ExitCode: -1, Started: h.started, Exited: time.Now()}
	if st := h.cmd.ProcessState; st != nil {
		res.ExitCode = st.ExitCode()
		res.MaxRSS = max(childMaxRSS(st)-h.base, h.peak.Load(), 0)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A nonzero exit is a result, not a failure to supervise.
		err = nil
	}

	h.mu.Lock()
	h.res = res
	if err != nil {
		h.err = fault.Execution("wait", err)
	}
	h.mu.Unlock()
	close(h.done)
}

// Alive also samples the process's peak memory where the platform allows.
func (h *handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	if v := peakRSS(h.Pid()); v > 0 {
		for cur := h.peak.Load(); v > cur && !h.peak.CompareAndSwap(cur, v); cur = h.peak.Load() {
		}
	}
	return true
}

func (h *handle) Wait() (Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.res, h.err
}
