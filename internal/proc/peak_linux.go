//go:build linux

package proc

import "github.com/prometheus/procfs"

// peakRSS reads VmHWM, which exec resets, so it covers the command alone.
func peakRSS(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0
	}
	st, err := p.NewStatus()
	if err != nil {
		return 0
	}
	return int64(st.VmHWM)
}
