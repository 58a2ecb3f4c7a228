// Package lockfile guards a BeeWell state directory against concurrent use.
//
// Two clients writing the same local store would interleave transcript
// writes, so each process takes an flock on a file inside the state
// directory. The kernel drops the lock when the process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "beewell.lock"

// Info describes the process holding a lock.
type Info struct {
	PID     int
	Mode    string
	Started time.Time
}

func (i Info) encode() string {
	return fmt.Sprintf("pid=%d\nmode=%s\nstarted=%s\n", i.PID, i.Mode, i.Started.UTC().Format(time.RFC3339))
}

// String describes the holder for error messages.
func (i Info) String() string {
	if i.PID <= 0 {
		return "unknown process"
	}
	state := "running"
	if !isProcessRunning(i.PID) {
		state = "not running, stale lock"
	}
	s := fmt.Sprintf("PID %d (%s)", i.PID, state)
	if i.Mode != "" {
		s += ", mode " + i.Mode
	}
	if !i.Started.IsZero() {
		s += ", started " + i.Started.Format(time.RFC3339)
	}
	return s
}

// Lock is a held state-directory lock.
type Lock struct {
	file *os.File
	path string
	info Info
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the
// directory if needed. mode is recorded for other processes to report.
func AcquireLock(stateDir, mode string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: acquiring", "lock_path", lockPath, "mode", mode)

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the lock is held so a failed attempt cannot
	// wipe the holder's details.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readInfo(file)
		file.Close()
		slog.Error("lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "holder", holder.String(), "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	info := Info{PID: os.Getpid(), Mode: mode, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("State directory locked", "lock_path", lockPath, "pid", info.PID, "mode", mode)
	return &Lock{file: file, path: lockPath, info: info}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	// Remove before unlocking so no other process can lock a file that is about to vanish.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil

	slog.Info("State directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	LockPath string
	Holder   Info
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another BeeWell client is already using this state directory\n\n"+
		"Lock file: %s\nHeld by: %s\n\n"+
		"If no other BeeWell client is running the lock is stale and can be removed with:\n  rm %s",
		e.LockPath, e.Holder, e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile: failed to sync lock file", "error", err, "lock_path", f.Name())
	}
	return nil
}

func readInfo(f *os.File) Info {
	if _, err := f.Seek(0, 0); err != nil {
		return Info{}
	}
	return parseInfo(bufio.NewScanner(f))
}

// parseInfo reads key=value lines; unknown keys and bad values are ignored.
func parseInfo(sc *bufio.Scanner) Info {
	var info Info
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				info.PID = pid
			}
		case "mode":
			info.Mode = val
		case "started":
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				info.Started = ts
			}
		}
	}
	return info
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
