package docstore

import (
	"context"
	"sync"
	"time"
)

// lockTable provides advisory exclusive locks keyed by logical document path.
// Locks are process-local; cross-process writers are still serialised by the
// version check on Write.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

// sem returns the semaphore channel for path, creating it on first use.
// The channel has capacity 1; holding the token means holding the lock.
func (t *lockTable) sem(path string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[path] = ch
	}
	return ch
}

// acquire blocks until the lock for path is held, the timeout elapses, or ctx
// is cancelled. On success it returns a release function.
func (t *lockTable) acquire(ctx context.Context, path string, timeout time.Duration) (func(), error) {
	ch := t.sem(path)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
