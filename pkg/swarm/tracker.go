// Package swarm implements the heartbeat-driven consensus tracker that owns
// the worker node table. One tracker instance is constructed per coordinator
// run; it is the single writer of node state and produces one consensus
// snapshot per heartbeat cycle.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
	"github.com/swarmcoordd/swarmcoordd/pkg/faults"
	"github.com/swarmcoordd/swarmcoordd/pkg/observability"
	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
)

// Snapshot is the consensus judgment produced by one heartbeat cycle. It is
// immutable once created and appended to the tracker's in-memory history.
type Snapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	Cycle              int       `json:"cycle"`
	Total              int       `json:"total"`
	Active             int       `json:"active"`
	Idle               int       `json:"idle"`
	Offline            int       `json:"offline"`
	ActivePct          float64   `json:"active_pct"`
	ConsensusValid     bool      `json:"consensus_valid"`
	HeartbeatLatencyMs float64   `json:"heartbeat_latency_ms"`
	Violations         []string  `json:"violations,omitempty"`
}

// CycleHook is invoked after every compliant heartbeat cycle with the fresh
// snapshot and a copy of the node table. Returning a scram.HaltError freezes
// the tracker; any other error aborts the run without tripping the latch.
type CycleHook func(ctx context.Context, snap Snapshot, nodes []NodeStatus) error

// Tracker owns the canonical node table and drives the heartbeat loop.
type Tracker struct {
	cfg         *config.Config
	model       faults.Model
	latch       *scram.Latch
	arena       *arena
	history     []Snapshot
	initialized bool
	halted      bool
	cycle       int
	now         func() time.Time
	sleep       func(time.Duration)
	reporter    observability.Reporter
	cycleHook   CycleHook
	checkHalt   func(string) (bool, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithSleepFunc overrides the sleep function used between heartbeat cycles.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(t *Tracker) {
		t.sleep = fn
	}
}

// WithReporter attaches an observability reporter to the tracker.
func WithReporter(rep observability.Reporter) Option {
	return func(t *Tracker) {
		if rep != nil {
			t.reporter = rep
		}
	}
}

// WithCycleHook registers a callback invoked after each compliant cycle.
func WithCycleHook(fn CycleHook) Option {
	return func(t *Tracker) {
		t.cycleHook = fn
	}
}

// WithHaltFileChecker overrides the function used to check the halt file.
func WithHaltFileChecker(fn func(string) (bool, error)) Option {
	return func(t *Tracker) {
		t.checkHalt = fn
	}
}

// NewTracker constructs a Tracker with the provided dependencies.
func NewTracker(cfg *config.Config, model faults.Model, latch *scram.Latch, opts ...Option) (*Tracker, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if model == nil {
		return nil, errors.New("fault model must not be nil")
	}
	if latch == nil {
		return nil, errors.New("halt latch must not be nil")
	}

	tracker := &Tracker{
		cfg:       cfg,
		model:     model,
		latch:     latch,
		now:       time.Now,
		sleep:     time.Sleep,
		reporter:  observability.NoopReporter{},
		checkHalt: defaultHaltFileCheck,
	}

	for _, opt := range opts {
		opt(tracker)
	}

	if tracker.now == nil {
		tracker.now = time.Now
	}
	if tracker.sleep == nil {
		tracker.sleep = time.Sleep
	}
	if tracker.reporter == nil {
		tracker.reporter = observability.NoopReporter{}
	}
	if tracker.checkHalt == nil {
		tracker.checkHalt = defaultHaltFileCheck
	}

	return tracker, nil
}

// Initialize populates the node table from the configured fleet layout. All
// nodes start IDLE. Calling Initialize twice is a programming error.
func (t *Tracker) Initialize() error {
	if t.initialized {
		return errors.New("tracker already initialized")
	}

	size := t.cfg.Swarm.Size
	pools := t.cfg.Swarm.Pools
	capacity := size
	for _, pool := range pools {
		capacity += pool.Count
	}
	if capacity <= 0 {
		return errors.New("fleet layout is empty")
	}

	seen := t.now()
	t.arena = newArena(capacity)
	if len(pools) > 0 {
		for _, pool := range pools {
			for i := 0; i < pool.Count; i++ {
				if _, err := t.arena.add(fmt.Sprintf("%s%d", pool.Prefix, i), seen); err != nil {
					return err
				}
			}
		}
	} else {
		for i := 0; i < size; i++ {
			if _, err := t.arena.add(fmt.Sprintf("node-%d", i), seen); err != nil {
				return err
			}
		}
	}

	t.initialized = true
	t.recordInitialized(context.Background(), t.arena.len())
	return nil
}

// AssignTask binds a task id to a known node. Unknown ids are rejected: the
// table never grows implicitly after initialization.
func (t *Tracker) AssignTask(nodeID, taskID string) error {
	if !t.initialized {
		return errors.New("tracker not initialized")
	}
	handle, ok := t.arena.handle(nodeID)
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	t.arena.taskIDs[handle] = taskID
	return nil
}

// Tick performs one heartbeat scan: every node is probed through the fault
// model and marked ACTIVE or OFFLINE, the scan cost becomes the cycle's
// heartbeat latency, and both consensus invariants are evaluated. Tick never
// trips the latch itself; the caller decides how to act on violations.
func (t *Tracker) Tick(ctx context.Context) (Snapshot, error) {
	if t.halted || t.latch.Halted() {
		return Snapshot{}, scram.ErrHalted
	}
	if !t.initialized {
		return Snapshot{}, errors.New("tick before initialize")
	}

	start := t.now()
	active := 0
	for h := range t.arena.ids {
		if t.model.Probe(t.cycle, t.arena.ids[h]) {
			t.arena.states[h] = StateActive
			t.arena.lastSeen[h] = start
			t.arena.heartbeats[h]++
			active++
		} else {
			t.arena.states[h] = StateOffline
		}
	}
	latencyMs := float64(t.now().Sub(start)) / float64(time.Millisecond)

	total := t.arena.len()
	snap := Snapshot{
		Timestamp:          start,
		Cycle:              t.cycle,
		Total:              total,
		Active:             active,
		Offline:            total - active,
		ActivePct:          float64(active) / float64(total) * 100,
		HeartbeatLatencyMs: latencyMs,
	}

	minActive := t.cfg.MinActivePct()
	maxLatency := t.cfg.MaxHeartbeatLatency()
	if snap.ActivePct < minActive {
		snap.Violations = append(snap.Violations, fmt.Sprintf("%s: active_pct %.2f%% < %.2f%%", scram.CodeAggregateHealth, snap.ActivePct, minActive))
	}
	if snap.HeartbeatLatencyMs > maxLatency {
		snap.Violations = append(snap.Violations, fmt.Sprintf("%s: heartbeat_latency_ms %.2fms > %.2fms", scram.CodeHeartbeatLatency, snap.HeartbeatLatencyMs, maxLatency))
	}
	snap.ConsensusValid = len(snap.Violations) == 0

	t.history = append(t.history, snap)
	t.cycle++
	t.recordCycle(ctx, snap)

	return snap, nil
}

// Run drives the heartbeat loop at the fixed interval. The first snapshot
// carrying a violation trips the latch, freezes the table, and returns a
// *scram.HaltError; otherwise Run stops cleanly after maxCycles. Non-positive
// arguments fall back to the configured values; maxCycles zero runs until a
// halt or cancellation.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, maxCycles int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = t.cfg.TickInterval()
	}
	if maxCycles <= 0 {
		maxCycles = t.cfg.Swarm.MaxCycles
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if cause, tripped := t.latch.Cause(); tripped {
			t.Halt(ctx)
			return scram.NewHaltError(cause)
		}

		haltActive, checkErr := t.checkHalt(t.cfg.HaltFile)
		if checkErr != nil {
			return fmt.Errorf("check halt file: %w", checkErr)
		}
		if haltActive {
			return t.halt(ctx, scram.Cause{
				Code:     scram.CodeOperatorHalt,
				Protocol: scram.ProtocolSwarmConsensus,
				Message:  fmt.Sprintf("halt file %s present", t.cfg.HaltFile),
			})
		}

		snap, err := t.Tick(ctx)
		if err != nil {
			return err
		}
		if !snap.ConsensusValid {
			return t.halt(ctx, t.causeFromSnapshot(snap))
		}

		if t.cycleHook != nil {
			if err := t.cycleHook(ctx, snap, t.arena.snapshot()); err != nil {
				if halt, ok := scram.AsHalt(err); ok {
					t.Halt(ctx)
					return halt
				}
				return fmt.Errorf("cycle hook: %w", err)
			}
		}

		if maxCycles > 0 && t.cycle >= maxCycles {
			t.recordCompleted(ctx, maxCycles)
			return nil
		}

		if err := t.sleepWithContext(ctx, interval); err != nil {
			return err
		}
	}
}

// Halt freezes the table: every node transitions to HALTED and further ticks
// are rejected. Halt is idempotent and never resets a tripped latch.
func (t *Tracker) Halt(ctx context.Context) {
	if t.halted {
		return
	}
	t.halted = true
	if t.arena != nil {
		t.arena.markAllHalted()
	}
	t.recordHalt(ctx)
}

func (t *Tracker) halt(ctx context.Context, cause scram.Cause) error {
	t.latch.Trip(cause)
	t.Halt(ctx)
	if latched, ok := t.latch.Cause(); ok {
		cause = latched
	}
	return scram.NewHaltError(cause)
}

func (t *Tracker) causeFromSnapshot(snap Snapshot) scram.Cause {
	code := scram.CodeAggregateHealth
	if snap.ActivePct >= t.cfg.MinActivePct() {
		code = scram.CodeHeartbeatLatency
	}
	message := "consensus invariant violated"
	if len(snap.Violations) > 0 {
		message = snap.Violations[0]
	}
	return scram.Cause{
		Code:     code,
		Protocol: scram.ProtocolSwarmConsensus,
		Message:  message,
		Metrics: map[string]float64{
			"active_pct":           snap.ActivePct,
			"heartbeat_latency_ms": snap.HeartbeatLatencyMs,
		},
		Thresholds: t.thresholds(),
		Violations: append([]string(nil), snap.Violations...),
	}
}

func (t *Tracker) thresholds() map[string]float64 {
	return map[string]float64{
		"min_active_pct":           t.cfg.MinActivePct(),
		"max_heartbeat_latency_ms": t.cfg.MaxHeartbeatLatency(),
	}
}

// Nodes returns a copy of the node table in handle order.
func (t *Tracker) Nodes() []NodeStatus {
	if t.arena == nil {
		return nil
	}
	return t.arena.snapshot()
}

// History returns the ordered snapshots produced so far.
func (t *Tracker) History() []Snapshot {
	return append([]Snapshot(nil), t.history...)
}

// Halted reports whether the tracker has frozen its table.
func (t *Tracker) Halted() bool { return t.halted }

// Report assembles the consensus report document: configured thresholds, the
// full tick history, and the final node table.
func (t *Tracker) Report() scram.Document {
	doc := scram.Document{
		Protocol:       scram.ProtocolSwarmConsensus,
		GeneratedAt:    t.now(),
		Halted:         t.halted,
		ScramTriggered: t.latch.Halted(),
		Thresholds:     t.thresholds(),
		History:        t.History(),
	}
	if cause, ok := t.latch.Cause(); ok {
		doc.Cause = &cause
	}
	summary := map[string]any{
		"cycles":      len(t.history),
		"fault_model": t.model.Name(),
	}
	if t.arena != nil {
		summary["total_nodes"] = t.arena.len()
		counts := make(map[string]int, 4)
		for state, n := range t.arena.stateCounts() {
			counts[string(state)] = n
		}
		summary["state_counts"] = counts
		summary["final_nodes"] = t.arena.snapshot()
	}
	if len(t.history) > 0 {
		summary["final_active_pct"] = t.history[len(t.history)-1].ActivePct
	}
	doc.Summary = summary
	return doc
}

func (t *Tracker) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		t.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func defaultHaltFileCheck(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *Tracker) recordInitialized(ctx context.Context, total int) {
	t.reporter.RecordMetric(observability.Metric{
		Name:        "swarm_nodes",
		Type:        observability.MetricCounter,
		Value:       float64(total),
		Description: "Number of nodes registered in the consensus table.",
		Labels:      map[string]string{"fault_model": t.model.Name()},
	})
	t.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: t.now(),
		Level:     observability.LevelInfo,
		Protocol:  scram.ProtocolSwarmConsensus,
		Event:     "swarm_initialized",
		Message:   fmt.Sprintf("registered %d nodes", total),
		Fields: map[string]interface{}{
			"total":       total,
			"fault_model": t.model.Name(),
		},
	})
}

func (t *Tracker) recordCycle(ctx context.Context, snap Snapshot) {
	result := "valid"
	level := observability.LevelInfo
	message := "heartbeat cycle within consensus thresholds"
	if !snap.ConsensusValid {
		result = "violation"
		level = observability.LevelError
		message = "heartbeat cycle violated consensus thresholds"
	}

	t.reporter.RecordMetric(observability.Metric{
		Name:        "consensus_cycles_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Heartbeat cycles evaluated, labelled by consensus result.",
		Labels:      map[string]string{"result": result},
	})
	t.reporter.RecordMetric(observability.Metric{
		Name:        "heartbeat_scan_seconds",
		Type:        observability.MetricHistogram,
		Value:       snap.HeartbeatLatencyMs / 1000,
		Unit:        "seconds",
		Description: "Wall-clock cost of one full node table scan.",
		Labels:      map[string]string{"result": result},
	})

	fields := map[string]interface{}{
		"cycle":                snap.Cycle,
		"total":                snap.Total,
		"active":               snap.Active,
		"offline":              snap.Offline,
		"active_pct":           snap.ActivePct,
		"heartbeat_latency_ms": snap.HeartbeatLatencyMs,
	}
	if len(snap.Violations) > 0 {
		fields["violations"] = strings.Join(snap.Violations, "; ")
	}
	t.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: snap.Timestamp,
		Level:     level,
		Protocol:  scram.ProtocolSwarmConsensus,
		Event:     "heartbeat_cycle",
		Message:   message,
		Fields:    fields,
	})
}

func (t *Tracker) recordCompleted(ctx context.Context, maxCycles int) {
	t.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: t.now(),
		Level:     observability.LevelInfo,
		Protocol:  scram.ProtocolSwarmConsensus,
		Event:     "run_completed",
		Message:   fmt.Sprintf("completed %d cycles without violation", maxCycles),
		Fields:    map[string]interface{}{"cycles": maxCycles},
	})
}

func (t *Tracker) recordHalt(ctx context.Context) {
	fields := map[string]interface{}{"cycles": len(t.history)}
	if cause, ok := t.latch.Cause(); ok {
		fields["code"] = string(cause.Code)
		fields["protocol"] = cause.Protocol
	}
	t.reporter.RecordMetric(observability.Metric{
		Name:        "scram_halts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Fatal halts tripped by coordination protocols.",
	})
	t.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: t.now(),
		Level:     observability.LevelError,
		Protocol:  scram.ProtocolSwarmConsensus,
		Event:     "scram_halt",
		Message:   "node table frozen, all nodes HALTED",
		Fields:    fields,
	})
}
