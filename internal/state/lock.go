package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
)

// LockFileName is the name of the lock file within the state directory.
const LockFileName = "session.lock"

// LockInfo is the metadata written into the lock file by its holder.
type LockInfo struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// SessionLock is an exclusive advisory lock on the state directory backed by
// flock(2). The kernel drops the lock when the holder exits, so a lock file
// left behind by a crashed process never blocks a new orchestrator. Locks are
// per open file, so two SessionLock values in one process also exclude each
// other.
type SessionLock struct {
	path   string
	file   *os.File
	logger *logging.Logger
}

// NewSessionLock creates a lock for the given state directory.
func NewSessionLock(dir string, logger *logging.Logger) *SessionLock {
	return &SessionLock{
		path:   (&FileStore{dir: dir}).Path(LockFileName),
		logger: logging.OrNop(logger),
	}
}

// Acquire takes the lock without blocking. It fails with ErrSessionLocked
// when another holder exists.
func (l *SessionLock) Acquire(runID string) error {
	if l.file != nil {
		return nil
	}

	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("open lock file: %w", err)
		}

		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			_ = f.Close()
			if errors.Is(err, syscall.EWOULDBLOCK) {
				holder, _ := l.Holder()
				l.logger.Error("failed to acquire session lock", "path", l.path, "holder_pid", holderPID(holder))
				if holder != nil {
					return fmt.Errorf("%w: PID %d on %s", tmerrors.ErrSessionLocked, holder.PID, holder.Hostname)
				}
				return tmerrors.ErrSessionLocked
			}
			return fmt.Errorf("flock: %w", err)
		}

		// The previous holder may have unlinked the file between our open and
		// flock; in that case we locked an orphaned inode and must retry.
		onDisk, statErr := os.Stat(l.path)
		ours, fstatErr := f.Stat()
		if statErr != nil || fstatErr != nil || !os.SameFile(onDisk, ours) {
			_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
			_ = f.Close()
			continue
		}

		l.file = f
		break
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info := LockInfo{RunID: runID, PID: os.Getpid(), Hostname: hostname, StartedAt: time.Now()}
	data, _ := json.MarshalIndent(info, "", "  ")
	if err := l.file.Truncate(0); err == nil {
		_, _ = l.file.WriteAt(data, 0)
		_ = l.file.Sync()
	}

	l.logger.Debug("session lock acquired", "path", l.path, "pid", info.PID)
	return nil
}

func holderPID(info *LockInfo) int {
	if info == nil {
		return 0
	}
	return info.PID
}

// Release drops the lock and removes the lock file. Releasing a lock that is
// not held is a no-op.
func (l *SessionLock) Release() error {
	if l.file == nil {
		return nil
	}

	_ = os.Remove(l.path)
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return fmt.Errorf("funlock: %w", err)
	}
	l.logger.Debug("session lock released", "path", l.path)
	return closeErr
}

// IsActive reports whether any holder, including this one, has the lock.
func (l *SessionLock) IsActive() bool {
	if l.file != nil {
		return true
	}

	f, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return errors.Is(err, syscall.EWOULDBLOCK)
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return false
}

// Holder returns the metadata recorded by the current or last holder.
func (l *SessionLock) Holder() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("lock file is empty")
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}
