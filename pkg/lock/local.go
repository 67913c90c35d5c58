package lock

import (
	"context"
	"sync"
)

// LocalManager serialises swaps within a single coordinator process. It backs
// the "local" lock backend: no external coordination, but concurrent swap
// attempts inside the process still contend on one lock.
type LocalManager struct {
	mu   sync.Mutex
	held bool
}

// NewLocalManager constructs an in-process swap lock manager.
func NewLocalManager() *LocalManager {
	return &LocalManager{}
}

// Acquire implements Manager. It fails fast with ErrNotAcquired when the lock
// is already held rather than blocking behind the current swap.
func (m *LocalManager) Acquire(ctx context.Context) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return nil, ErrNotAcquired
	}
	m.held = true
	return &localLease{manager: m}, nil
}

type localLease struct {
	manager  *LocalManager
	released bool
}

// Release implements Lease. Releasing twice is a no-op.
func (l *localLease) Release(ctx context.Context) error {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	l.manager.held = false
	return nil
}

var _ Manager = (*LocalManager)(nil)
var _ Lease = (*localLease)(nil)
