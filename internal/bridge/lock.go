package bridge

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// SessionLock serializes bridge operations against the single session. It
// is held from navigation through the end of the stream because two armed
// interceptors on one page would corrupt each other's capture. Waiters are
// served in arrival order.
type SessionLock struct {
	sem *semaphore.Weighted
}

func NewSessionLock() *SessionLock {
	return &SessionLock{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the lock is free or ctx is done.
func (l *SessionLock) Lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// tryLock takes the lock only if it is free.
func (l *SessionLock) tryLock() bool {
	return l.sem.TryAcquire(1)
}

// Unlock panics if the lock is not held.
func (l *SessionLock) Unlock() {
	l.sem.Release(1)
}
