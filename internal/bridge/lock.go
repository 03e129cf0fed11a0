package bridge

import (
	"fmt"
	"os"
	"syscall"
)

// FileLock is an exclusive pidfile lock preventing two bridge processes from
// polling the same provider account
type FileLock struct {
	path string
	file *os.File
}

// AcquireLock takes an exclusive non-blocking lock on path and writes the
// current PID into it. Fails when another live process holds the lock.
func AcquireLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid, _ := os.ReadFile(path)
		f.Close()
		return nil, fmt.Errorf("another bridge is already running (pid %s)", string(pid))
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return nil, err
	}

	return &FileLock{path: path, file: f}, nil
}

// Release drops the lock and removes the pidfile
func (l *FileLock) Release() {
	if l.file != nil {
		syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		l.file.Close()
	}
	os.Remove(l.path)
}
