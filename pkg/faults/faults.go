package faults

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
)

// Model decides, for each heartbeat cycle, whether a node answers its probe.
// Implementations are driven from a single scan goroutine and may keep state
// across cycles; they are not required to be safe for concurrent use.
type Model interface {
	Name() string
	Probe(cycle int, nodeID string) bool
}

// NewFromConfig instantiates a fault model based on the provided configuration.
func NewFromConfig(cfg config.FaultModelConfig) (Model, error) {
	switch cfg.Type {
	case "", "always-healthy":
		return AlwaysHealthy{}, nil
	case "bernoulli":
		return NewBernoulli(cfg.OfflineRate, cfg.RecoveryRate, cfg.Seed), nil
	case "scripted":
		return newScripted(cfg.Script)
	case "outage":
		return newOutage(cfg.Targets, cfg.FromCycle, cfg.ToCycle)
	default:
		return nil, fmt.Errorf("unsupported fault model type %q", cfg.Type)
	}
}

// AlwaysHealthy answers every probe. It is the default model and the baseline
// for latency measurements.
type AlwaysHealthy struct{}

func (AlwaysHealthy) Name() string { return "always-healthy" }

func (AlwaysHealthy) Probe(int, string) bool { return true }

// Bernoulli flips healthy nodes offline with a fixed per-cycle probability and
// recovers offline nodes with another. The same seed replays the same fault
// sequence for a given probe order.
type Bernoulli struct {
	rnd          *rand.Rand
	offlineRate  float64
	recoveryRate float64
	down         map[string]struct{}
}

// NewBernoulli builds a seeded random fault model.
func NewBernoulli(offlineRate, recoveryRate float64, seed int64) *Bernoulli {
	return &Bernoulli{
		rnd:          rand.New(rand.NewSource(seed)),
		offlineRate:  offlineRate,
		recoveryRate: recoveryRate,
		down:         make(map[string]struct{}),
	}
}

func (b *Bernoulli) Name() string { return "bernoulli" }

func (b *Bernoulli) Probe(_ int, nodeID string) bool {
	if _, offline := b.down[nodeID]; offline {
		if b.rnd.Float64() < b.recoveryRate {
			delete(b.down, nodeID)
			return true
		}
		return false
	}
	if b.rnd.Float64() < b.offlineRate {
		b.down[nodeID] = struct{}{}
		return false
	}
	return true
}

type scriptedStep struct {
	offline []string
	recover []string
}

// Scripted replays an exact outage schedule: at each listed cycle the named
// nodes go offline or come back, and the effect persists between steps.
type Scripted struct {
	steps   map[int]scriptedStep
	down    map[string]struct{}
	applied int
}

func newScripted(steps []config.ScriptedFaultConfig) (*Scripted, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("scripted fault model requires at least one step")
	}
	s := &Scripted{
		steps:   make(map[int]scriptedStep, len(steps)),
		down:    make(map[string]struct{}),
		applied: -1,
	}
	for _, step := range steps {
		if step.Cycle < 0 {
			return nil, fmt.Errorf("scripted fault model cycle %d must be non-negative", step.Cycle)
		}
		existing := s.steps[step.Cycle]
		existing.offline = append(existing.offline, step.Offline...)
		existing.recover = append(existing.recover, step.Recover...)
		s.steps[step.Cycle] = existing
	}
	return s, nil
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Probe(cycle int, nodeID string) bool {
	s.advance(cycle)
	_, offline := s.down[nodeID]
	return !offline
}

// advance applies every scheduled step up to and including cycle exactly once.
func (s *Scripted) advance(cycle int) {
	if cycle <= s.applied {
		return
	}
	for c := s.applied + 1; c <= cycle; c++ {
		step, ok := s.steps[c]
		if !ok {
			continue
		}
		for _, id := range step.offline {
			s.down[id] = struct{}{}
		}
		for _, id := range step.recover {
			delete(s.down, id)
		}
	}
	s.applied = cycle
}

// Outage silences a fixed set of nodes for a cycle range. A zero end keeps the
// outage open-ended.
type Outage struct {
	targets map[string]struct{}
	from    int
	to      int
}

func newOutage(targets []string, from, to int) (*Outage, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("outage fault model requires at least one target")
	}
	o := &Outage{
		targets: make(map[string]struct{}, len(targets)),
		from:    from,
		to:      to,
	}
	for _, id := range targets {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("outage fault model targets must not be empty")
		}
		o.targets[id] = struct{}{}
	}
	return o, nil
}

func (o *Outage) Name() string { return "outage" }

func (o *Outage) Probe(cycle int, nodeID string) bool {
	if cycle < o.from {
		return true
	}
	if o.to != 0 && cycle > o.to {
		return true
	}
	_, hit := o.targets[nodeID]
	return !hit
}

// Ensure every model implements Model.
var _ Model = AlwaysHealthy{}
var _ Model = (*Bernoulli)(nil)
var _ Model = (*Scripted)(nil)
var _ Model = (*Outage)(nil)
