// Package lock implements single-runner leader election over a shared file,
// the way a deployment with several taskrelay processes picks exactly one
// leader to own the trigger engine.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Lock is a file-based mutual-exclusion token. The zero value is not usable;
// construct with New.
type Lock struct {
	path              string
	staleAfter        time.Duration // 0 means "never stale by age"
	isProcessAlive    func(pid int) bool
	now               func() time.Time
	held              bool
}

// Option configures a Lock at construction time.
type Option func(*Lock)

// WithStaleAfter marks a lock file older than d as stale regardless of
// whether its owning PID is still alive, overriding PID liveness detection.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Lock) { l.staleAfter = d }
}

// WithProcessAliveFunc overrides the liveness check; used by tests.
func WithProcessAliveFunc(f func(pid int) bool) Option {
	return func(l *Lock) { l.isProcessAlive = f }
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) { l.now = now }
}

// New returns a Lock bound to path, not yet acquired.
func New(path string, opts ...Option) *Lock {
	l := &Lock{
		path:           path,
		isProcessAlive: isProcessAlive,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire attempts to become the leader. It never blocks: a contended lock
// simply returns false. Callers that fail acquisition are followers and must
// not assume any leader-only state exists.
func (l *Lock) TryAcquire() (bool, error) {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create lock directory: %w", err)
		}
	}

	if info, err := readLockInfo(l.path); err == nil {
		stale := l.staleAfter > 0 && l.now().Sub(info.timestamp) > l.staleAfter
		if info.pid > 0 && l.isProcessAlive(info.pid) && !stale {
			return false, nil
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return false, nil
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, nil
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), l.now().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("write lock file: %w", err)
	}

	l.held = true
	return true, nil
}

// Release drops the lock if currently held. It is a no-op otherwise.
func (l *Lock) Release() {
	if !l.held {
		return
	}
	l.held = false
	_ = os.Remove(l.path)
}

// Held reports whether this process currently believes it holds the lock.
func (l *Lock) Held() bool { return l.held }

type lockInfo struct {
	pid       int
	timestamp time.Time
}

func readLockInfo(path string) (lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockInfo{}, err
	}

	lines := strings.SplitN(string(data), "\n", 3)
	var info lockInfo
	if len(lines) > 0 {
		if pid, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
			info.pid = pid
		}
	}
	if len(lines) > 1 {
		raw := strings.TrimSpace(lines[1])
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			info.timestamp = ts.UTC()
		}
	}
	return info, nil
}

// isProcessAlive reports whether pid refers to a live process, using the
// POSIX "send signal 0" idiom.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscallSignalZero) == nil
}
