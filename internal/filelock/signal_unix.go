//go:build !windows

package filelock

import (
	"os"
	"syscall"
)

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; Signal(0) does the real probe.
	return proc.Signal(syscall.Signal(0)) == nil
}
