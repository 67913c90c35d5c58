package swarmstate

import (
	"context"
	"sync"
	"time"
)

// MemoryPublisher keeps coordinator records in process memory. It is used by
// single-coordinator deployments and by tests that need to observe published
// phases without an etcd cluster.
type MemoryPublisher struct {
	mu          sync.Mutex
	coordinator string
	records     map[string]Record
	now         func() time.Time
}

// NewMemoryPublisher constructs an in-process status publisher. A nil clock
// falls back to time.Now.
func NewMemoryPublisher(coordinator string, clock func() time.Time) *MemoryPublisher {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryPublisher{
		coordinator: coordinator,
		records:     make(map[string]Record),
		now:         clock,
	}
}

// PublishRunning implements Publisher.
func (p *MemoryPublisher) PublishRunning(ctx context.Context) error {
	return p.store(ctx, Record{Coordinator: p.coordinator, Phase: PhaseRunning})
}

// PublishHalted implements Publisher.
func (p *MemoryPublisher) PublishHalted(ctx context.Context, code, reason string) error {
	return p.store(ctx, Record{Coordinator: p.coordinator, Phase: PhaseHalted, Code: code, Reason: reason})
}

// PublishStopped implements Publisher.
func (p *MemoryPublisher) PublishStopped(ctx context.Context) error {
	return p.store(ctx, Record{Coordinator: p.coordinator, Phase: PhaseStopped})
}

// Status implements Publisher.
func (p *MemoryPublisher) Status(ctx context.Context) ([]Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	records := make([]Record, 0, len(p.records))
	for _, record := range p.records {
		records = append(records, record)
	}
	return records, nil
}

func (p *MemoryPublisher) store(ctx context.Context, record Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	record.ReportedAt = p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[record.Coordinator] = record
	return nil
}

var _ Publisher = (*MemoryPublisher)(nil)
