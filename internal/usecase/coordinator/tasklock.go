package coordinator

import (
	"context"
	"fmt"
	"sync"
)

// taskLocker serializes lifecycle transitions per task ID. Transitions on
// different tasks proceed in parallel.
type taskLocker struct {
	mu    sync.Mutex
	locks map[string]*taskMutex
}

type taskMutex struct {
	mu       sync.Mutex
	refCount int
}

func newTaskLocker() *taskLocker {
	return &taskLocker{locks: make(map[string]*taskMutex)}
}

// Lock blocks until the task's lock is held or ctx is done. The returned
// unlock func must be called exactly once.
func (l *taskLocker) Lock(ctx context.Context, taskID string) (unlock func(), err error) {
	l.mu.Lock()
	tm, ok := l.locks[taskID]
	if !ok {
		tm = &taskMutex{}
		l.locks[taskID] = tm
	}
	tm.refCount++
	l.mu.Unlock()

	release := func() {
		tm.mu.Unlock()
		l.mu.Lock()
		tm.refCount--
		if tm.refCount == 0 {
			delete(l.locks, taskID)
		}
		l.mu.Unlock()
	}

	if tm.mu.TryLock() {
		return release, nil
	}

	acquired := make(chan struct{})
	go func() {
		tm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return release, nil
	case <-ctx.Done():
		// The goroutine still takes the lock; hand it straight back.
		go func() {
			<-acquired
			release()
		}()
		return nil, fmt.Errorf("task lock %s: %w", taskID, ctx.Err())
	}
}

// active returns the number of tasks with held or pending locks.
func (l *taskLocker) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
