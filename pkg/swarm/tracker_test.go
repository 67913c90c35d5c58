package swarm

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
	"github.com/swarmcoordd/swarmcoordd/pkg/faults"
	"github.com/swarmcoordd/swarmcoordd/pkg/observability"
	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stepClock advances a fixed amount on every reading, so the measured scan
// latency of a tick is always exactly one step.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock(step time.Duration) *stepClock {
	return &stepClock{now: time.Unix(1000, 0).UTC(), step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type captureReporter struct {
	mu      sync.Mutex
	events  []observability.Event
	metrics []observability.Metric
}

func (r *captureReporter) RecordEvent(_ context.Context, event observability.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *captureReporter) RecordMetric(metric observability.Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, metric)
}

func (r *captureReporter) eventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.Event)
	}
	return names
}

func trackerConfig(size int) *config.Config {
	cfg := &config.Config{
		NodeName: "coordinator-1",
		Swarm: config.SwarmConfig{
			Size:           size,
			TickIntervalMs: 10,
		},
	}
	return cfg
}

func newTestTracker(t *testing.T, cfg *config.Config, model faults.Model, latch *scram.Latch, opts ...Option) *Tracker {
	t.Helper()
	base := []Option{
		WithSleepFunc(func(time.Duration) {}),
		WithHaltFileChecker(func(string) (bool, error) { return false, nil }),
	}
	tracker, err := NewTracker(cfg, model, latch, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker
}

func TestInitializeCreatesIdleFleet(t *testing.T) {
	tracker := newTestTracker(t, trackerConfig(5), faults.AlwaysHealthy{}, scram.NewLatch())

	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := tracker.Initialize(); err == nil {
		t.Fatal("expected second initialize to fail")
	}

	nodes := tracker.Nodes()
	if len(nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d", len(nodes))
	}
	for i, node := range nodes {
		if node.State != StateIdle {
			t.Fatalf("node %d: expected IDLE, got %s", i, node.State)
		}
		if node.HeartbeatCount != 0 {
			t.Fatalf("node %d: expected zero heartbeats", i)
		}
	}
	if nodes[0].ID != "node-0" || nodes[4].ID != "node-4" {
		t.Fatalf("unexpected node ids %s..%s", nodes[0].ID, nodes[4].ID)
	}
}

func TestInitializeFromPools(t *testing.T) {
	cfg := trackerConfig(0)
	cfg.Swarm.Pools = []config.PoolConfig{
		{Category: "gpu", Prefix: "gpu-", Count: 3},
		{Category: "cpu", Prefix: "cpu-", Count: 2},
	}
	tracker := newTestTracker(t, cfg, faults.AlwaysHealthy{}, scram.NewLatch())
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	nodes := tracker.Nodes()
	if len(nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d", len(nodes))
	}
	if nodes[0].ID != "gpu-0" || nodes[3].ID != "cpu-0" {
		t.Fatalf("unexpected pool layout: %s, %s", nodes[0].ID, nodes[3].ID)
	}
}

func TestTickBeforeInitializeFails(t *testing.T) {
	tracker := newTestTracker(t, trackerConfig(5), faults.AlwaysHealthy{}, scram.NewLatch())
	if _, err := tracker.Tick(context.Background()); err == nil {
		t.Fatal("expected tick before initialize to fail")
	}
}

func TestTickMarksNodesAndMeasuresLatency(t *testing.T) {
	clock := newStepClock(10 * time.Millisecond)
	model, err := faults.NewFromConfig(config.FaultModelConfig{Type: "outage", Targets: []string{"node-1"}})
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	tracker := newTestTracker(t, trackerConfig(4), model, scram.NewLatch(), WithTimeSource(clock.Now))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap, err := tracker.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if snap.Total != 4 || snap.Active != 3 || snap.Offline != 1 {
		t.Fatalf("unexpected tallies: %+v", snap)
	}
	if snap.ActivePct != 75.0 {
		t.Fatalf("expected active_pct 75, got %v", snap.ActivePct)
	}
	if snap.HeartbeatLatencyMs != 10.0 {
		t.Fatalf("expected latency 10ms, got %v", snap.HeartbeatLatencyMs)
	}
	if snap.ConsensusValid {
		t.Fatal("expected 75% fleet to violate consensus")
	}
	if len(snap.Violations) != 1 || !strings.HasPrefix(snap.Violations[0], "aggregate_health:") {
		t.Fatalf("unexpected violations %v", snap.Violations)
	}

	nodes := tracker.Nodes()
	for _, node := range nodes {
		switch node.ID {
		case "node-1":
			if node.State != StateOffline {
				t.Fatalf("node-1: expected OFFLINE, got %s", node.State)
			}
			if node.HeartbeatCount != 0 {
				t.Fatal("offline node must not gain heartbeats")
			}
		default:
			if node.State != StateActive {
				t.Fatalf("%s: expected ACTIVE, got %s", node.ID, node.State)
			}
			if node.HeartbeatCount != 1 {
				t.Fatalf("%s: expected one heartbeat, got %d", node.ID, node.HeartbeatCount)
			}
			if !node.LastSeen.Equal(snap.Timestamp) {
				t.Fatalf("%s: last_seen not refreshed", node.ID)
			}
		}
	}
}

func TestConsensusBoundariesAreCompliant(t *testing.T) {
	// Exactly 95% active and exactly 50ms scan latency must both pass.
	clock := newStepClock(50 * time.Millisecond)
	model, err := faults.NewFromConfig(config.FaultModelConfig{Type: "outage", Targets: []string{"node-0"}})
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	tracker := newTestTracker(t, trackerConfig(20), model, scram.NewLatch(), WithTimeSource(clock.Now))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap, err := tracker.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if snap.ActivePct != 95.0 {
		t.Fatalf("expected active_pct 95, got %v", snap.ActivePct)
	}
	if snap.HeartbeatLatencyMs != 50.0 {
		t.Fatalf("expected latency 50ms, got %v", snap.HeartbeatLatencyMs)
	}
	if !snap.ConsensusValid {
		t.Fatalf("boundary values must be compliant, got violations %v", snap.Violations)
	}
}

func TestLargeFleetConsensus(t *testing.T) {
	// 10,000 nodes with 500 offline and a 10ms scan stays valid.
	targets := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		targets = append(targets, "node-"+strconv.Itoa(i*20))
	}
	model, err := faults.NewFromConfig(config.FaultModelConfig{Type: "outage", Targets: targets})
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	clock := newStepClock(10 * time.Millisecond)
	tracker := newTestTracker(t, trackerConfig(10000), model, scram.NewLatch(), WithTimeSource(clock.Now))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap, err := tracker.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if snap.Active != 9500 || snap.Offline != 500 {
		t.Fatalf("unexpected tallies: active %d offline %d", snap.Active, snap.Offline)
	}
	if !snap.ConsensusValid {
		t.Fatalf("expected consensus valid, got violations %v", snap.Violations)
	}
}

func TestRunStopsCleanlyAfterMaxCycles(t *testing.T) {
	var slept []time.Duration
	tracker := newTestTracker(t, trackerConfig(10), faults.AlwaysHealthy{}, scram.NewLatch(),
		WithSleepFunc(func(d time.Duration) { slept = append(slept, d) }))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := tracker.Run(context.Background(), 10*time.Millisecond, 3); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(tracker.History()); got != 3 {
		t.Fatalf("expected 3 snapshots, got %d", got)
	}
	if len(slept) != 2 {
		t.Fatalf("expected 2 sleeps between 3 cycles, got %d", len(slept))
	}
	if tracker.Halted() {
		t.Fatal("clean completion must not halt the tracker")
	}
}

func TestRunHaltsOnAggregateViolation(t *testing.T) {
	model, err := faults.NewFromConfig(config.FaultModelConfig{
		Type:   "scripted",
		Script: []config.ScriptedFaultConfig{{Cycle: 2, Offline: []string{"node-0", "node-1"}}},
	})
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	latch := scram.NewLatch()
	tracker := newTestTracker(t, trackerConfig(10), model, latch)
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err = tracker.Run(context.Background(), time.Millisecond, 10)
	halt, ok := scram.AsHalt(err)
	if !ok {
		t.Fatalf("expected halt error, got %v", err)
	}
	if halt.Cause.Code != scram.CodeAggregateHealth {
		t.Fatalf("unexpected cause %s", halt.Cause.Code)
	}
	if halt.Cause.Protocol != scram.ProtocolSwarmConsensus {
		t.Fatalf("unexpected protocol %s", halt.Cause.Protocol)
	}
	if got := len(tracker.History()); got != 3 {
		t.Fatalf("expected halt on third cycle, got %d snapshots", got)
	}
	if !latch.Halted() {
		t.Fatal("expected latch tripped")
	}
	for _, node := range tracker.Nodes() {
		if node.State != StateHalted {
			t.Fatalf("%s: expected HALTED, got %s", node.ID, node.State)
		}
	}
	if _, err := tracker.Tick(context.Background()); !errors.Is(err, scram.ErrHalted) {
		t.Fatalf("expected frozen tracker to reject ticks, got %v", err)
	}
}

func TestRunHaltsOnLatencyViolation(t *testing.T) {
	clock := newStepClock(60 * time.Millisecond)
	tracker := newTestTracker(t, trackerConfig(10), faults.AlwaysHealthy{}, scram.NewLatch(), WithTimeSource(clock.Now))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := tracker.Run(context.Background(), time.Millisecond, 5)
	halt, ok := scram.AsHalt(err)
	if !ok {
		t.Fatalf("expected halt error, got %v", err)
	}
	if halt.Cause.Code != scram.CodeHeartbeatLatency {
		t.Fatalf("unexpected cause %s", halt.Cause.Code)
	}
	if halt.Cause.Metrics["heartbeat_latency_ms"] != 60.0 {
		t.Fatalf("expected measured latency in cause, got %v", halt.Cause.Metrics)
	}
}

func TestRunHaltFileTripwire(t *testing.T) {
	tracker := newTestTracker(t, trackerConfig(5), faults.AlwaysHealthy{}, scram.NewLatch(),
		WithHaltFileChecker(func(string) (bool, error) { return true, nil }))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := tracker.Run(context.Background(), time.Millisecond, 5)
	halt, ok := scram.AsHalt(err)
	if !ok {
		t.Fatalf("expected halt error, got %v", err)
	}
	if halt.Cause.Code != scram.CodeOperatorHalt {
		t.Fatalf("unexpected cause %s", halt.Cause.Code)
	}
	if got := len(tracker.History()); got != 0 {
		t.Fatalf("expected no tick after tripwire, got %d", got)
	}
}

func TestRunFreezesWhenLatchAlreadyTripped(t *testing.T) {
	latch := scram.NewLatch()
	latch.Trip(scram.Cause{Code: scram.CodeHashDivergence, Protocol: scram.ProtocolTemporalBarrier, Message: "hash mismatch"})

	tracker := newTestTracker(t, trackerConfig(5), faults.AlwaysHealthy{}, latch)
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := tracker.Run(context.Background(), time.Millisecond, 5)
	halt, ok := scram.AsHalt(err)
	if !ok {
		t.Fatalf("expected halt error, got %v", err)
	}
	if halt.Cause.Code != scram.CodeHashDivergence {
		t.Fatalf("expected foreign cause to propagate, got %s", halt.Cause.Code)
	}
	if len(tracker.History()) != 0 {
		t.Fatal("expected no tick after foreign halt")
	}
	if !tracker.Halted() {
		t.Fatal("expected table frozen")
	}
}

func TestRunCycleHookHalts(t *testing.T) {
	latch := scram.NewLatch()
	hook := func(_ context.Context, snap Snapshot, nodes []NodeStatus) error {
		if snap.Cycle == 1 {
			cause := scram.Cause{Code: scram.CodeCategoryHealth, Protocol: scram.ProtocolCategoryQuorum, Message: "category gpu below quorum"}
			latch.Trip(cause)
			return scram.NewHaltError(cause)
		}
		if len(nodes) != 5 {
			return errors.New("unexpected node snapshot")
		}
		return nil
	}
	tracker := newTestTracker(t, trackerConfig(5), faults.AlwaysHealthy{}, latch, WithCycleHook(hook))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := tracker.Run(context.Background(), time.Millisecond, 10)
	halt, ok := scram.AsHalt(err)
	if !ok {
		t.Fatalf("expected halt error, got %v", err)
	}
	if halt.Cause.Code != scram.CodeCategoryHealth {
		t.Fatalf("unexpected cause %s", halt.Cause.Code)
	}
	if got := len(tracker.History()); got != 2 {
		t.Fatalf("expected two cycles before hook halt, got %d", got)
	}
}

func TestRunCycleHookErrorAborts(t *testing.T) {
	hook := func(context.Context, Snapshot, []NodeStatus) error {
		return errors.New("downstream unavailable")
	}
	tracker := newTestTracker(t, trackerConfig(5), faults.AlwaysHealthy{}, scram.NewLatch(), WithCycleHook(hook))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := tracker.Run(context.Background(), time.Millisecond, 10)
	if err == nil || !strings.Contains(err.Error(), "cycle hook") {
		t.Fatalf("expected wrapped hook error, got %v", err)
	}
	if _, ok := scram.AsHalt(err); ok {
		t.Fatal("plain hook errors must not convert into halts")
	}
	if tracker.Halted() {
		t.Fatal("plain hook errors must not freeze the table")
	}
}

func TestRunHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tracker := newTestTracker(t, trackerConfig(5), faults.AlwaysHealthy{}, scram.NewLatch())
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := tracker.Run(ctx, time.Millisecond, 5); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestAssignTask(t *testing.T) {
	tracker := newTestTracker(t, trackerConfig(3), faults.AlwaysHealthy{}, scram.NewLatch())
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := tracker.AssignTask("node-2", "task-71"); err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if err := tracker.AssignTask("node-99", "task-71"); err == nil {
		t.Fatal("expected unknown node to be rejected")
	}

	nodes := tracker.Nodes()
	if nodes[2].TaskID != "task-71" {
		t.Fatalf("expected task recorded, got %q", nodes[2].TaskID)
	}
}

func TestReportCarriesHistoryAndFinalState(t *testing.T) {
	model, err := faults.NewFromConfig(config.FaultModelConfig{
		Type:   "scripted",
		Script: []config.ScriptedFaultConfig{{Cycle: 1, Offline: []string{"node-0"}}},
	})
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	latch := scram.NewLatch()
	tracker := newTestTracker(t, trackerConfig(4), model, latch)
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	runErr := tracker.Run(context.Background(), time.Millisecond, 10)
	if _, ok := scram.AsHalt(runErr); !ok {
		t.Fatalf("expected halt, got %v", runErr)
	}

	doc := tracker.Report()
	if doc.Protocol != scram.ProtocolSwarmConsensus {
		t.Fatalf("unexpected protocol %s", doc.Protocol)
	}
	if !doc.Halted || !doc.ScramTriggered {
		t.Fatal("expected halted report")
	}
	if doc.Cause == nil || doc.Cause.Code != scram.CodeAggregateHealth {
		t.Fatalf("expected aggregate cause, got %+v", doc.Cause)
	}
	history, ok := doc.History.([]Snapshot)
	if !ok || len(history) != 2 {
		t.Fatalf("expected two snapshots in history, got %T %v", doc.History, doc.History)
	}
	counts, ok := doc.Summary["state_counts"].(map[string]int)
	if !ok || counts[string(StateHalted)] != 4 {
		t.Fatalf("expected all nodes halted in summary, got %v", doc.Summary["state_counts"])
	}
	if doc.Thresholds["min_active_pct"] != 95.0 {
		t.Fatalf("expected thresholds recorded, got %v", doc.Thresholds)
	}
}

func TestTrackerEmitsCycleObservability(t *testing.T) {
	reporter := &captureReporter{}
	tracker := newTestTracker(t, trackerConfig(5), faults.AlwaysHealthy{}, scram.NewLatch(), WithReporter(reporter))
	if err := tracker.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := tracker.Run(context.Background(), time.Millisecond, 2); err != nil {
		t.Fatalf("run: %v", err)
	}

	names := reporter.eventNames()
	wantOrder := []string{"swarm_initialized", "heartbeat_cycle", "heartbeat_cycle", "run_completed"}
	if len(names) != len(wantOrder) {
		t.Fatalf("unexpected events %v", names)
	}
	for i, want := range wantOrder {
		if names[i] != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, names[i])
		}
	}

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	var sawCounter, sawHistogram bool
	for _, metric := range reporter.metrics {
		switch metric.Name {
		case "consensus_cycles_total":
			sawCounter = true
			if metric.Labels["result"] != "valid" {
				t.Fatalf("unexpected result label %q", metric.Labels["result"])
			}
		case "heartbeat_scan_seconds":
			sawHistogram = true
		}
	}
	if !sawCounter || !sawHistogram {
		t.Fatal("expected cycle counter and scan histogram to be recorded")
	}
}
