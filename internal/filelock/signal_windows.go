//go:build windows

package filelock

// Windows has no signal 0 probe; liveness falls back to the staleness window.
func processAlive(pid int) bool {
	return true
}
