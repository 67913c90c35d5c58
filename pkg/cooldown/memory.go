package cooldown

import (
	"context"
	"sync"
	"time"
)

// MemoryManager tracks the swap cooldown within a single coordinator process.
// It backs the "local" cooldown backend and carries no external state.
type MemoryManager struct {
	mu          sync.Mutex
	coordinator string
	startedAt   time.Time
	expiresAt   time.Time
	now         func() time.Time
}

// NewMemoryManager constructs an in-process cooldown manager. A nil clock
// falls back to time.Now.
func NewMemoryManager(coordinator string, clock func() time.Time) *MemoryManager {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryManager{coordinator: coordinator, now: clock}
}

// Status implements Manager.
func (m *MemoryManager) Status(ctx context.Context) (Status, error) {
	select {
	case <-ctx.Done():
		return Status{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expiresAt.IsZero() {
		return Status{}, nil
	}
	remaining := m.expiresAt.Sub(m.now())
	if remaining <= 0 {
		m.startedAt = time.Time{}
		m.expiresAt = time.Time{}
		return Status{}, nil
	}
	return Status{
		Active:      true,
		Coordinator: m.coordinator,
		StartedAt:   m.startedAt,
		ExpiresAt:   m.expiresAt,
		Remaining:   remaining,
	}, nil
}

// Start implements Manager. A non-positive duration clears any active window.
func (m *MemoryManager) Start(ctx context.Context, duration time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if duration <= 0 {
		m.startedAt = time.Time{}
		m.expiresAt = time.Time{}
		return nil
	}
	m.startedAt = m.now()
	m.expiresAt = m.startedAt.Add(duration)
	return nil
}

// Close implements Manager.
func (m *MemoryManager) Close() error { return nil }

var _ Manager = (*MemoryManager)(nil)
