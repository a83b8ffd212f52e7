//go:build !linux

package proc

func peakRSS(int) int64 { return 0 }
