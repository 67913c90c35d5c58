// Package cooldown enforces a quiet period between shadow swaps so a
// misbehaving replacement cannot be churned repeatedly while the swarm is
// still settling.
package cooldown

import (
	"context"
	"time"
)

// Status describes the current swap cooldown window.
type Status struct {
	Active      bool
	Coordinator string
	StartedAt   time.Time
	ExpiresAt   time.Time
	Remaining   time.Duration
}

// Manager coordinates observation and activation of swap cooldown periods.
type Manager interface {
	// Status returns the current cooldown information. If no cooldown is
	// active the returned Status will have Active set to false.
	Status(ctx context.Context) (Status, error)
	// Start activates a new cooldown window lasting the provided duration.
	// Implementations should replace any existing window.
	Start(ctx context.Context, duration time.Duration) error
	// Close releases underlying resources. It must be safe to call multiple
	// times.
	Close() error
}
