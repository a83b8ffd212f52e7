//go:build !linux

package launch

import (
	"context"
	"errors"

	"cronkeeper/internal/fault"
	logx "cronkeeper/pkg/logx"
)

var ErrUnsupported = errors.New("systemd launcher: unsupported OS (linux only)")

type SystemdLauncher struct{}

func NewSystemd(context.Context, Config, logx.Logger) (*SystemdLauncher, error) {
	return nil, fault.Execution("connect systemd", ErrUnsupported)
}

func (l *SystemdLauncher) Close() error { return nil }

func (l *SystemdLauncher) Launch(context.Context, Invocation) (LaunchInfo, error) {
	return LaunchInfo{}, fault.Execution("launch", ErrUnsupported)
}
