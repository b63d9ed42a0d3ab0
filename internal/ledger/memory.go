package ledger

import (
	"context"
	"sync"
)

// Compile-time checks that MemoryLedger implements Ledger and Locker.
var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Locker = (*MemoryLedger)(nil)
)

// MemoryLedger is an in-memory Ledger. It does not survive restarts and is
// meant for tests and one-off CLI runs.
type MemoryLedger struct {
	mu   sync.RWMutex
	keys map[string]struct{}

	sel semaphore
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]struct{}), sel: newSemaphore()}
}

// Contains reports whether the combination has been registered.
func (l *MemoryLedger) Contains(_ context.Context, ids []string) (bool, error) {
	key := Key(ids)
	if key == "" {
		return false, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[key]
	return ok, nil
}

// Register marks the combination as used.
func (l *MemoryLedger) Register(_ context.Context, ids []string) error {
	key := Key(ids)
	if key == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[key] = struct{}{}
	return nil
}

// Len returns the number of registered combinations.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keys)
}

// Lock serializes selections against this ledger.
func (l *MemoryLedger) Lock(ctx context.Context) (func(), error) {
	return l.sel.lock(ctx)
}

// semaphore is a context-aware mutex.
type semaphore chan struct{}

func newSemaphore() semaphore {
	return make(semaphore, 1)
}

func (s semaphore) lock(ctx context.Context) (func(), error) {
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
