// Package swarmstate shares coordinator run state across the fleet. A halted
// coordinator publishes the scram code that stopped it so operators querying
// any coordinator can see which invariant failed and where.
package swarmstate

import (
	"context"
	"time"
)

// Coordinator run phases.
const (
	PhaseRunning = "running"
	PhaseHalted  = "halted"
	PhaseStopped = "stopped"
)

// Record represents the persisted run state for a coordinator.
type Record struct {
	Coordinator string
	Phase       string
	Code        string
	Reason      string
	ReportedAt  time.Time
}

// Publisher exposes the fleet-level status contract. Implementations persist
// halt signals so operators can inspect a degraded fleet from any
// coordinator.
type Publisher interface {
	// PublishRunning records that the local coordinator is actively
	// supervising the swarm.
	PublishRunning(ctx context.Context) error
	// PublishHalted stores a halt marker for the local coordinator together
	// with the scram code and reason that tripped it.
	PublishHalted(ctx context.Context, code, reason string) error
	// PublishStopped records a clean shutdown of the local coordinator.
	PublishStopped(ctx context.Context) error
	// Status returns the last published records for coordinators in the
	// fleet. Callers are expected to treat the returned slice as read-only.
	Status(ctx context.Context) ([]Record, error)
}

// NoopPublisher discards every update. It backs the "none" status backend.
type NoopPublisher struct{}

// NewNoopPublisher constructs a publisher that retains nothing.
func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (*NoopPublisher) PublishRunning(ctx context.Context) error { return nil }

func (*NoopPublisher) PublishHalted(ctx context.Context, code, reason string) error { return nil }

func (*NoopPublisher) PublishStopped(ctx context.Context) error { return nil }

func (*NoopPublisher) Status(ctx context.Context) ([]Record, error) { return nil, nil }

var _ Publisher = (*NoopPublisher)(nil)
