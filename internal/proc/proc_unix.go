//go:build unix

package proc

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"cronkeeper/internal/fault"
)

// childMaxRSS is the rusage high-water mark of the reaped child.
func childMaxRSS(st *os.ProcessState) int64 {
	ru, ok := st.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	return rssBytes(int64(ru.Maxrss))
}

func selfMaxRSS() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return rssBytes(int64(ru.Maxrss))
}

// rssBytes scales ru_maxrss: linux reports kilobytes, darwin bytes.
func rssBytes(v int64) int64 {
	if runtime.GOOS == "darwin" {
		return v
	}
	return v * 1024
}

// Detach starts argv in a new session with stdio on the null device and
// returns without waiting. The child outlives the caller.
func Detach(argv []string, env []string) (int, error) {
	if len(argv) == 0 {
		return 0, fault.Validationf("detach: empty argv")
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fault.Execution("detach", err)
	}
	defer devnull.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	if env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fault.Execution("detach", err)
	}
	// Reap in the background so a long-lived caller does not collect zombies.
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}
