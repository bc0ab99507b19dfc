// Package task manages the lifecycle of long-running goroutines such as
// per-session event dispatch loops.
package task

import (
	"context"
	"sync"

	"github.com/instrlab/go-visa/logger"
)

// Func performs one iteration of a task loop. It returns true to keep the
// loop running, or false to stop the goroutine.
type Func func() bool

// Manager starts and stops goroutines tied to a shared context.
// Stop cancels the context; Wait blocks until every started goroutine exits.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
}

// NewManager creates a Manager whose tasks stop when ctx is canceled or
// Stop is called.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)
	return mgr
}

// Context returns the context shared by all tasks of this manager.
func (mgr *Manager) Context() context.Context {
	return mgr.ctx
}

// Start runs fn in a loop on a new goroutine until fn returns false or the
// manager stops.
func (mgr *Manager) Start(name string, fn Func) {
	mgr.logger.Debug("start task", "name", name)
	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		for {
			select {
			case <-mgr.ctx.Done():
				mgr.logger.Debug("task canceled", "name", name)
				return
			default:
			}
			if !fn() {
				mgr.logger.Debug("task finished", "name", name)
				return
			}
		}
	}()
}

// Stop signals all tasks to stop.
func (mgr *Manager) Stop() {
	mgr.cancel()
}

// Wait blocks until all started tasks have exited.
func (mgr *Manager) Wait() {
	mgr.wg.Wait()
}
