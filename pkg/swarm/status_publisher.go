package swarm

import (
	"context"
	"errors"
	"time"

	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
	"github.com/swarmcoordd/swarmcoordd/pkg/swarmstate"
)

// StatusPublisher drives a lightweight loop that periodically refreshes this
// coordinator's status record so peers observe fresh state even while the
// heartbeat loop is busy. When the latch trips, the loop publishes the halted
// record with the violation code once and exits.
type StatusPublisher struct {
	publisher    swarmstate.Publisher
	latch        *scram.Latch
	interval     time.Duration
	sleep        func(time.Duration)
	errorHandler func(error)
}

// StatusPublisherOption customises the behaviour of the publishing loop.
type StatusPublisherOption func(*StatusPublisher)

// WithStatusPublisherSleepFunc overrides the sleep between publications.
func WithStatusPublisherSleepFunc(fn func(time.Duration)) StatusPublisherOption {
	return func(p *StatusPublisher) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithStatusPublisherErrorHandler registers a callback for publish errors.
func WithStatusPublisherErrorHandler(fn func(error)) StatusPublisherOption {
	return func(p *StatusPublisher) {
		p.errorHandler = fn
	}
}

// NewStatusPublisher constructs the background status loop.
func NewStatusPublisher(publisher swarmstate.Publisher, latch *scram.Latch, interval time.Duration, opts ...StatusPublisherOption) (*StatusPublisher, error) {
	if publisher == nil {
		return nil, errors.New("status publisher requires a state publisher")
	}
	if latch == nil {
		return nil, errors.New("status publisher requires the halt latch")
	}
	if interval <= 0 {
		return nil, errors.New("status publish interval must be greater than zero")
	}

	loop := &StatusPublisher{
		publisher: publisher,
		latch:     latch,
		interval:  interval,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(loop)
	}
	if loop.sleep == nil {
		loop.sleep = time.Sleep
	}
	return loop, nil
}

// Run publishes the running record at the configured interval until the
// context is cancelled or the latch trips. A tripped latch publishes the
// halted record and returns nil; the caller owns the final stopped record on
// clean shutdown.
func (p *StatusPublisher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if cause, tripped := p.latch.Cause(); tripped {
			if err := p.publisher.PublishHalted(ctx, string(cause.Code), cause.Message); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				if p.errorHandler != nil {
					p.errorHandler(err)
				}
			}
			return nil
		}

		if err := p.publisher.PublishRunning(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if p.errorHandler != nil {
				p.errorHandler(err)
			}
		}

		if err := p.sleepWithContext(ctx, p.interval); err != nil {
			return err
		}
	}
}

func (p *StatusPublisher) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
