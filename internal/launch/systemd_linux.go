//go:build linux

package launch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	"cronkeeper/internal/fault"
	logx "cronkeeper/pkg/logx"
)

// SystemdLauncher runs each wrapper as a transient service unit, outside
// the caller's cgroup.
type SystemdLauncher struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewSystemd connects to the system (or user) manager.
func NewSystemd(ctx context.Context, cfg Config, log logx.Logger) (*SystemdLauncher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		conn *dbus.Conn
		err  error
	)
	if cfg.UserBus {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, fault.Execution("connect systemd", fmt.Errorf("failed to connect to systemd: %w", err))
	}
	if cfg.UnitPrefix == "" {
		cfg.UnitPrefix = "cronkeeper"
	}
	return &SystemdLauncher{cfg: cfg, log: log, conn: conn}, nil
}

func (l *SystemdLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	return nil
}

// UnitName is the transient unit used for inv.
func UnitName(prefix string, inv Invocation) string {
	return fmt.Sprintf("%s-%s-%d.service", prefix, unitSafe(inv.TaskID), inv.RunID)
}

func unitSafe(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (l *SystemdLauncher) Launch(ctx context.Context, inv Invocation) (LaunchInfo, error) {
	if err := validate(inv); err != nil {
		return LaunchInfo{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return LaunchInfo{}, fault.Execution("launch", fmt.Errorf("systemd connection is closed"))
	}

	unit := UnitName(l.cfg.UnitPrefix, inv)
	props := []dbus.Property{
		dbus.PropDescription(fmt.Sprintf("cronkeeper run %d of task %s", inv.RunID, inv.TaskID)),
		dbus.PropType("exec"),
		dbus.PropExecStart(WrapArgs(l.cfg, inv), false),
	}
	ch := make(chan string, 1)
	if _, err := l.conn.StartTransientUnitContext(ctx, unit, "fail", props, ch); err != nil {
		return LaunchInfo{}, fault.Execution("launch", fmt.Errorf("failed to start %s: %w", unit, err))
	}
	select {
	case res := <-ch:
		if res != "done" {
			return LaunchInfo{}, fault.Execution("launch", fmt.Errorf("start job for %s: %s", unit, res))
		}
	case <-ctx.Done():
		return LaunchInfo{}, fault.Execution("launch", ctx.Err())
	}

	info := LaunchInfo{Unit: unit}
	if p, err := l.conn.GetUnitTypePropertyContext(ctx, unit, "Service", "MainPID"); err == nil {
		if pid, ok := p.Value.Value().(uint32); ok {
			info.PID = int(pid)
		}
	}
	l.log.Debug("wrapper unit started",
		logx.String("task_id", inv.TaskID),
		logx.Int64("run_id", inv.RunID),
		logx.String("unit", unit),
		logx.Int("pid", info.PID),
	)
	return info, nil
}
