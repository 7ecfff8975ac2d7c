package session

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockContention is returned when a session lock cannot be acquired
// within the configured timeout. Callers may retry; the data on disk is
// untouched.
var ErrLockContention = errors.New("session lock contention")

// fileLock wraps an OS advisory lock with a bounded retry loop. The lock is
// advisory: it only excludes other cooperating processes, which is exactly
// the contract the store needs.
type fileLock struct {
	fl      *flock.Flock
	backoff time.Duration
	timeout time.Duration
}

func newFileLock(path string, backoff, timeout time.Duration) *fileLock {
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &fileLock{
		fl:      flock.New(path),
		backoff: backoff,
		timeout: timeout,
	}
}

// Acquire takes the exclusive lock, retrying until the timeout elapses
func (l *fileLock) Acquire(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ok, err := l.fl.TryLockContext(lockCtx, l.backoff)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrLockContention
		}
		return err
	}
	if !ok {
		return ErrLockContention
	}
	return nil
}

// TryAcquire takes the lock only if it is immediately free
func (l *fileLock) TryAcquire() (bool, error) {
	return l.fl.TryLock()
}

// Release drops the lock
func (l *fileLock) Release() error {
	return l.fl.Unlock()
}
