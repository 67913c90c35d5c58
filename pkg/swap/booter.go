package swap

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/swarmcoordd/swarmcoordd/pkg/probe"
)

// Booter starts a shadow replica and answers readiness polls for it. Boot is
// expected to return quickly; readiness is observed by polling Ready until the
// orchestrator's deadline expires.
type Booter interface {
	Boot(ctx context.Context, node Node) error
	Ready(ctx context.Context, node Node) (bool, error)
}

// SimBooter is an in-process booter for simulations and tests. The shadow
// becomes ready a fixed delay after Boot; a zero delay means ready on the
// first poll. A negative delay models a replica that never comes up.
type SimBooter struct {
	mu       sync.Mutex
	delay    time.Duration
	now      func() time.Time
	bootedAt map[string]time.Time
	bootErr  error
}

// SimOption adjusts a SimBooter.
type SimOption func(*SimBooter)

// WithSimTimeSource overrides the clock used to judge readiness delays.
func WithSimTimeSource(now func() time.Time) SimOption {
	return func(b *SimBooter) {
		b.now = now
	}
}

// WithSimBootError makes every Boot call fail with err.
func WithSimBootError(err error) SimOption {
	return func(b *SimBooter) {
		b.bootErr = err
	}
}

// NewSimBooter builds a simulated booter whose replicas become ready delay
// after boot.
func NewSimBooter(delay time.Duration, opts ...SimOption) *SimBooter {
	b := &SimBooter{
		delay:    delay,
		now:      time.Now,
		bootedAt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Boot records the boot instant for the node.
func (b *SimBooter) Boot(ctx context.Context, node Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bootErr != nil {
		return b.bootErr
	}
	b.bootedAt[node.NodeID] = b.now()
	return nil
}

// Ready reports whether the configured delay has elapsed since Boot.
func (b *SimBooter) Ready(ctx context.Context, node Node) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	booted, ok := b.bootedAt[node.NodeID]
	if !ok {
		return false, fmt.Errorf("sim booter: node %s was never booted", node.NodeID)
	}
	if b.delay < 0 {
		return false, nil
	}
	return !b.now().Before(booted.Add(b.delay)), nil
}

// ProbeBooter drives real replicas through an operator-supplied readiness
// script. Boot is a no-op: provisioning happens out of band and the script is
// the source of truth for whether the replica answers.
type ProbeBooter struct {
	probe *probe.ScriptProbe
}

// NewProbeBooter wraps a readiness script probe.
func NewProbeBooter(p *probe.ScriptProbe) (*ProbeBooter, error) {
	if p == nil {
		return nil, fmt.Errorf("probe booter: script probe is required")
	}
	return &ProbeBooter{probe: p}, nil
}

// Boot is a no-op for script-probed replicas.
func (b *ProbeBooter) Boot(ctx context.Context, node Node) error {
	return ctx.Err()
}

// Ready runs the readiness script with the node identity in the environment.
// Exit status zero means ready; non-zero means keep polling. A script that
// fails to execute at all is an error, not a "not ready".
func (b *ProbeBooter) Ready(ctx context.Context, node Node) (bool, error) {
	result, err := b.probe.Run(ctx, map[string]string{
		"SC_NODE_ID": node.NodeID,
		"SC_SHADOW":  strconv.FormatBool(node.IsShadow),
	})
	if err != nil {
		return false, fmt.Errorf("readiness probe for %s: %w", node.NodeID, err)
	}
	return result.Ready(), nil
}
