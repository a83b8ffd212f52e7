package launch

import (
	"context"

	"cronkeeper/internal/proc"
	logx "cronkeeper/pkg/logx"
)

// SetsidLauncher detaches the wrapper into its own session.
type SetsidLauncher struct {
	cfg Config
	log logx.Logger
}

func (l *SetsidLauncher) Launch(ctx context.Context, inv Invocation) (LaunchInfo, error) {
	if err := validate(inv); err != nil {
		return LaunchInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return LaunchInfo{}, err
	}
	pid, err := proc.Detach(WrapArgs(l.cfg, inv), nil)
	if err != nil {
		return LaunchInfo{}, err
	}
	l.log.Debug("wrapper detached",
		logx.String("task_id", inv.TaskID),
		logx.Int64("run_id", inv.RunID),
		logx.Int("pid", pid),
	)
	return LaunchInfo{PID: pid}, nil
}
