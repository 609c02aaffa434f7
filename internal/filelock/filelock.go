// Package filelock provides cross-process advisory locking for catalog and
// archive writers.
//
// A lock is a small file created with O_EXCL that records the owner PID.
// Acquisition polls until the timeout; a lock whose owner is gone or whose
// file has outlived the staleness window is broken and retaken, so a crashed
// writer can never wedge the vault. Readers never take locks.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds how long Acquire waits. Locks protect short
	// atomic writes, so a wait beyond a few seconds signals a stuck holder.
	DefaultTimeout = 10 * time.Second

	// DefaultStale is the age after which a lock file is considered
	// abandoned even if its owner PID cannot be probed.
	DefaultStale = 5 * time.Minute

	pollInterval = 50 * time.Millisecond
)

// ErrTimeout is returned when the lock cannot be acquired within the timeout.
var ErrTimeout = errors.New("filelock: timeout")

// Lock is a held advisory lock. Release it exactly once.
type Lock struct {
	path     string
	released bool
}

// Options tune acquisition. Zero values take the defaults.
type Options struct {
	Timeout time.Duration
	Stale   time.Duration
}

// Acquire takes an exclusive advisory lock protecting path. The lock file is
// <path>.lock so locking composes with atomic-rename write patterns on path
// itself.
func Acquire(path string, opts Options) (*Lock, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Stale == 0 {
		opts.Stale = DefaultStale
	}

	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file %s: %w", lockPath, err)
		}

		info, statErr := os.Stat(lockPath)
		if statErr != nil {
			continue // gone already; retry the create
		}
		if stale(lockPath, info, opts.Stale) {
			breakStale(lockPath, info)
			continue
		}

		if time.Now().After(deadline) {
			owner := ownerPID(lockPath)
			return nil, fmt.Errorf("%w: %s held by PID %d after %s", ErrTimeout, lockPath, owner, opts.Timeout)
		}
		time.Sleep(pollInterval)
	}
}

// Release removes the lock file. Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}

// stale reports whether the lock file described by info is abandoned: its
// recorded owner no longer exists, or the file is older than the staleness
// window.
func stale(lockPath string, info os.FileInfo, window time.Duration) bool {
	if time.Since(info.ModTime()) > window {
		return true
	}
	pid := ownerPID(lockPath)
	if pid <= 0 {
		return false // unreadable or mid-write; age check governs
	}
	if pid == os.Getpid() {
		return false
	}
	return !processAlive(pid)
}

// breakStale removes the lock file only if it is still the exact file that
// was judged stale. If the holder released and a new holder recreated the
// lock in between, the fresh file must survive.
func breakStale(lockPath string, seen os.FileInfo) {
	cur, err := os.Stat(lockPath)
	if err != nil {
		return
	}
	if !os.SameFile(seen, cur) || !cur.ModTime().Equal(seen.ModTime()) {
		return
	}
	// Best effort: another waiter may remove it first, which is fine.
	os.Remove(lockPath)
}

func ownerPID(lockPath string) int {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
