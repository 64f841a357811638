package store

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// LockSuffix is appended to a tracked file's name to form its lock artifact.
const LockSuffix = ".lock"

const lockRetryInterval = 50 * time.Millisecond

// fileLock serializes access to one tracked file. Cross-process exclusion
// comes from flock on a sidecar artifact; in-process exclusion comes from an
// RWMutex held for the full duration of the operation, because flock on an
// already-held descriptor converts the lock instead of contending. The
// artifact file is kept open for the handle's lifetime so repeated lock
// cycles reuse the descriptor, and removed on close. A stale artifact left
// by a killed process is harmless: flock state dies with the process, so the
// next acquire simply succeeds.
type fileLock struct {
	path string // lock artifact path
	rw   sync.RWMutex

	mu            sync.Mutex // guards file and sharedHolders
	file          *os.File
	sharedHolders int
}

func newFileLock(target string) *fileLock {
	return &fileLock{path: target + LockSuffix}
}

// acquire takes the in-process lock, then the flock, shared or exclusive,
// retrying non-blocking attempts until timeout. Never waits unbounded:
// contention past the bound fails with ErrLockTimeout. Every successful
// acquire must be paired with a release of the same mode.
func (l *fileLock) acquire(exclusive bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if !l.lockLocal(exclusive, deadline) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
	}
	if err := l.flock(exclusive, deadline); err != nil {
		l.unlockLocal(exclusive)
		return err
	}
	return nil
}

func (l *fileLock) lockLocal(exclusive bool, deadline time.Time) bool {
	for {
		var ok bool
		if exclusive {
			ok = l.rw.TryLock()
		} else {
			ok = l.rw.TryRLock()
		}
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *fileLock) unlockLocal(exclusive bool) {
	if exclusive {
		l.rw.Unlock()
	} else {
		l.rw.RUnlock()
	}
}

// flock takes the cross-process lock on the shared descriptor. Shared
// holders are counted so the flock drops only when the last reader leaves;
// an exclusive caller already excludes every other in-process user through
// the RWMutex, so the descriptor is free to contend with other processes
// only.
func (l *fileLock) flock(exclusive bool, deadline time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("opening lock artifact %s: %w", l.path, err)
		}
		l.file = f
	}
	if !exclusive && l.sharedHolders > 0 {
		l.sharedHolders++
		return nil
	}

	how := unix.LOCK_EX
	if !exclusive {
		how = unix.LOCK_SH
	}
	for {
		err := unix.Flock(int(l.file.Fd()), how|unix.LOCK_NB)
		if err == nil {
			if !exclusive {
				l.sharedHolders = 1
			}
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return fmt.Errorf("flock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
		}
		time.Sleep(lockRetryInterval)
	}
}

// release drops one hold taken by acquire; exclusive must match the acquire.
func (l *fileLock) release(exclusive bool) error {
	l.mu.Lock()
	var err error
	if exclusive {
		err = l.funlockLocked()
	} else {
		l.sharedHolders--
		if l.sharedHolders == 0 {
			err = l.funlockLocked()
		}
	}
	l.mu.Unlock()
	l.unlockLocal(exclusive)
	return err
}

func (l *fileLock) funlockLocked() error {
	if l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return nil
}

// close releases the descriptor and removes the lock artifact. Cleanup is
// best-effort; a missing artifact is not an error.
func (l *fileLock) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	_ = os.Remove(l.path)
}

// IsLockArtifact reports whether name is a lock sidecar file.
func IsLockArtifact(name string) bool {
	return strings.HasSuffix(name, LockSuffix)
}
