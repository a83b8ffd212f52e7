// Package launch starts the execution wrapper for a dispatched run as a
// process that outlives the dispatcher.
package launch

import (
	"context"
	"os"
	"strconv"
	"strings"

	"cronkeeper/internal/fault"
	"cronkeeper/internal/mutex"
	logx "cronkeeper/pkg/logx"
)

// Invocation is everything the wrapper needs to supervise one run.
type Invocation struct {
	TaskID    string
	RunID     int64
	MutexKind mutex.Kind
	Command   string
}

// LaunchInfo identifies the started wrapper.
type LaunchInfo struct {
	PID  int
	Unit string // systemd unit name, empty in setsid mode
}

// Launcher starts a wrapper and returns without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (LaunchInfo, error)
}

// Modes.
const (
	ModeSetsid  = "setsid"
	ModeSystemd = "systemd"
)

// Config selects and configures a Launcher.
type Config struct {
	Mode string
	// Executable is the cronkeeper binary; defaults to os.Executable().
	Executable string
	// ConfigPath is forwarded with --config so the wrapper opens the same store.
	ConfigPath string
	// UserBus uses the per-user systemd instance.
	UserBus    bool
	UnitPrefix string
}

// New builds the launcher for cfg.Mode.
func New(ctx context.Context, cfg Config, log logx.Logger) (Launcher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Executable) == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fault.Execution("resolve executable", err)
		}
		cfg.Executable = exe
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeSetsid:
		return &SetsidLauncher{cfg: cfg, log: log}, nil
	case ModeSystemd:
		l, err := NewSystemd(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return nil, fault.Validationf("unknown launcher mode %q", cfg.Mode)
}

// WrapArgs is the argv that runs the wrapper for inv.
func WrapArgs(cfg Config, inv Invocation) []string {
	argv := []string{cfg.Executable}
	if cfg.ConfigPath != "" {
		argv = append(argv, "--config", cfg.ConfigPath)
	}
	return append(argv,
		"wrap",
		inv.TaskID,
		strconv.FormatInt(inv.RunID, 10),
		string(inv.MutexKind),
		"--",
		inv.Command,
	)
}

func validate(inv Invocation) error {
	if strings.TrimSpace(inv.TaskID) == "" || inv.RunID <= 0 {
		return fault.Validationf("invocation needs task id and run id")
	}
	if strings.TrimSpace(inv.Command) == "" {
		return fault.Validationf("invocation needs a command")
	}
	return nil
}
