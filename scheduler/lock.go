package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLockHeld reports that another live clerkd process owns the vault.
var ErrLockHeld = errors.New("scheduler: another instance is running")

// Lock is the singleton guard: a PID file that keeps two schedulers away
// from the same vault. It protects against concurrent processes only;
// within a process the cycle loop is single threaded.
type Lock struct {
	path string
}

// NewLock returns a lock backed by the PID file at path.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock. A lock file owned by a dead process is removed
// and acquisition retried once; a live owner fails with ErrLockHeld.
func (l *Lock) Acquire() error {
	if err := l.tryCreate(); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("create lock file: %w", err)
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr == nil && processAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrLockHeld, pid)
	}
	// stale or garbage, reclaim
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	if err := l.tryCreate(); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w (lost reclaim race)", ErrLockHeld)
		}
		return fmt.Errorf("create lock file: %w", err)
	}
	return nil
}

// tryCreate atomically creates the lock file holding our PID.
func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()
	if werr != nil {
		os.Remove(l.path)
		return fmt.Errorf("write lock file: %w", werr)
	}
	return nil
}

// Release removes the lock file. Idempotent.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Owner returns the PID holding the lock, or 0 when the lock is free or
// stale. Stale lock files are not removed here; Acquire owns self-healing.
func (l *Lock) Owner() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr != nil || !processAlive(pid) {
		return 0
	}
	return pid
}

// processAlive checks for a live process with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
