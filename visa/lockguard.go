package visa

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LockGuard is a reentrant wrapper over a session's exclusive lock.
//
// Nested acquisitions by the same owner only count; the native lock is taken
// on the first acquire and released when the count returns to zero. It guards
// against other processes on the bus, not against goroutines of this process
// sharing the same Session value.
type LockGuard struct {
	mu      sync.Mutex
	session Session
	depth   int
}

// NewLockGuard creates a guard for sess. The guard starts unowned even if the
// session already holds a lock taken by other means.
func NewLockGuard(sess Session) *LockGuard {
	return &LockGuard{session: sess}
}

// TryAcquire attempts one native lock acquisition bounded by timeoutMS.
// A nested acquire by the current owner succeeds immediately.
func (g *LockGuard) TryAcquire(timeoutMS float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.depth > 0 {
		g.depth++
		return nil
	}
	if err := g.session.LockExclusive(timeoutMS); err != nil {
		return err
	}
	g.depth = 1

	return nil
}

// Acquire repeats short native lock attempts until one succeeds or ctx is
// done. Polling keeps the wait cancelable even though the native lock call
// itself is not.
func (g *LockGuard) Acquire(ctx context.Context) error {
	for {
		err := g.TryAcquire(1)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrLocked) && !errors.Is(err, ErrBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Release undoes one acquisition. The native lock is released when the last
// nested acquisition is undone. Releasing an unowned guard is a no-op.
func (g *LockGuard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.depth == 0:
		return nil
	case g.depth > 1:
		g.depth--
		return nil
	}
	g.depth = 0

	return g.session.Unlock()
}

// IsOwned reports whether the guard currently holds the native lock.
func (g *LockGuard) IsOwned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.depth > 0
}

// ForceRelease fully unwinds the guard and releases the native lock in one
// call, for cleanup paths recovering from a wedged owner.
func (g *LockGuard) ForceRelease() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.depth == 0 {
		return nil
	}
	g.depth = 0

	return g.session.Unlock()
}
