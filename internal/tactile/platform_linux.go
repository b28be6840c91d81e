//go:build linux

package tactile

import "syscall"

// Linux reports Maxrss in kilobytes.
func getMaxRSSBytes(rusage *syscall.Rusage) int64 {
	return rusage.Maxrss * 1024
}
