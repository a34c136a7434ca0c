package service

import (
	"context"
	"sync"
	"time"
)

// stateLock is a mutex paired with a broadcast channel. notifyAll wakes every
// goroutine blocked in wait; waiters must re-check their condition in a loop.
type stateLock struct {
	mu      sync.Mutex
	changed chan struct{}
}

func (l *stateLock) init() {
	l.changed = make(chan struct{})
}

func (l *stateLock) lock()   { l.mu.Lock() }
func (l *stateLock) unlock() { l.mu.Unlock() }

// notifyAll must be called with the lock held.
func (l *stateLock) notifyAll() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// wait must be called with the lock held. It releases the lock until notified,
// the timeout elapses (timeout < 0 waits without limit) or ctx is done, and
// re-acquires it before returning. The returned error is ctx.Err() when the
// wait ended because ctx was done.
func (l *stateLock) wait(ctx context.Context, timeout time.Duration) error {
	ch := l.changed
	l.mu.Unlock()
	defer l.mu.Lock()

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-expired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
