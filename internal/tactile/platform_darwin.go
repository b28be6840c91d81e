//go:build darwin

package tactile

import "syscall"

// macOS reports Maxrss in bytes.
func getMaxRSSBytes(rusage *syscall.Rusage) int64 {
	return rusage.Maxrss
}
