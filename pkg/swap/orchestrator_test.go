package swap

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
	"github.com/swarmcoordd/swarmcoordd/pkg/cooldown"
	"github.com/swarmcoordd/swarmcoordd/pkg/lock"
	"github.com/swarmcoordd/swarmcoordd/pkg/observability"
	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
	"github.com/swarmcoordd/swarmcoordd/pkg/windows"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// manualClock only moves when a test advances it, so poll loops and drain
// delays are replayed deterministically by wiring Advance in as the sleep
// function.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(2000, 0).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
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

type denyWindows struct{}

func (denyWindows) Evaluate(time.Time) windows.Decision {
	return windows.Decision{Allowed: false, AllowConfigured: true}
}

type errReadyBooter struct{ err error }

func (errReadyBooter) Boot(context.Context, Node) error { return nil }

func (b errReadyBooter) Ready(context.Context, Node) (bool, error) { return false, b.err }

func swapConfig() *config.Config {
	return &config.Config{
		NodeName: "coordinator-1",
		Swap: config.SwapConfig{
			ReadyTimeoutMs: 500,
			PollIntervalMs: 100,
			DrainDelayMs:   200,
			ShadowSuffix:   "-shadow",
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, booter Booter, latch *scram.Latch, clock *manualClock, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithTimeSource(clock.Now),
		WithSleepFunc(func(d time.Duration) { clock.Advance(d) }),
	}
	orch, err := NewOrchestrator(cfg, booter, latch, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func TestWarmBootPollsShadowToReady(t *testing.T) {
	clock := newManualClock()
	start := clock.Now()
	booter := NewSimBooter(300*time.Millisecond, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	old := NewActive("node-1", start).Clone()
	shadow, err := orch.WarmBoot(context.Background(), old)
	if err != nil {
		t.Fatalf("warm boot: %v", err)
	}

	if shadow.NodeID != "node-1-shadow" {
		t.Fatalf("unexpected shadow id %q", shadow.NodeID)
	}
	if shadow.State != StateReady {
		t.Fatalf("expected READY shadow, got %s", shadow.State)
	}
	if !shadow.IsShadow {
		t.Fatal("expected shadow flag set")
	}
	if shadow.ReadyAt == nil || !shadow.ReadyAt.Equal(start.Add(300*time.Millisecond)) {
		t.Fatalf("unexpected ready_at %v", shadow.ReadyAt)
	}
	if latch.Halted() {
		t.Fatal("compliant warm boot must not trip the latch")
	}
}

func TestWarmBootReadyAtDeadlineIsCompliant(t *testing.T) {
	// Readiness observed exactly at the timeout boundary passes.
	clock := newManualClock()
	booter := NewSimBooter(500*time.Millisecond, WithSimTimeSource(clock.Now))
	orch := newTestOrchestrator(t, swapConfig(), booter, scram.NewLatch(), clock)

	shadow, err := orch.WarmBoot(context.Background(), NewActive("node-1", clock.Now()).Clone())
	if err != nil {
		t.Fatalf("warm boot: %v", err)
	}
	if shadow.State != StateReady {
		t.Fatalf("expected READY shadow, got %s", shadow.State)
	}
}

func TestWarmBootTimeoutHaltsAndSparesOldNode(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(-1, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	old := NewActive("node-1", clock.Now()).Clone()
	_, err := orch.WarmBoot(context.Background(), old)
	halt, ok := scram.AsHalt(err)
	if !ok {
		t.Fatalf("expected halt error, got %v", err)
	}
	if halt.Cause.Code != scram.CodeShadowReadyTimeout {
		t.Fatalf("unexpected cause %s", halt.Cause.Code)
	}
	if halt.Cause.Protocol != scram.ProtocolShadowSwap {
		t.Fatalf("unexpected protocol %s", halt.Cause.Protocol)
	}
	if halt.Cause.Metrics["elapsed_ms"] != 600.0 {
		t.Fatalf("expected 600ms elapsed in cause, got %v", halt.Cause.Metrics)
	}
	if halt.Cause.Thresholds["ready_timeout_ms"] != 500.0 {
		t.Fatalf("expected timeout threshold in cause, got %v", halt.Cause.Thresholds)
	}

	// The node being replaced is never torn down on the warm-boot path.
	if old.State != StateActive {
		t.Fatalf("old node must remain ACTIVE at halt time, got %s", old.State)
	}
	if !latch.Halted() || !orch.Halted() {
		t.Fatal("expected orchestrator and latch halted")
	}
	if _, err := orch.WarmBoot(context.Background(), old); !errors.Is(err, scram.ErrHalted) {
		t.Fatalf("expected frozen orchestrator to reject warm boots, got %v", err)
	}
}

func TestWarmBootPropagatesBootFailure(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(0, WithSimBootError(errors.New("provisioner unavailable")))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	_, err := orch.WarmBoot(context.Background(), NewActive("node-1", clock.Now()).Clone())
	if err == nil || !strings.Contains(err.Error(), "boot shadow") {
		t.Fatalf("expected boot failure, got %v", err)
	}
	if _, ok := scram.AsHalt(err); ok {
		t.Fatal("boot failures must not convert into halts")
	}
	if latch.Halted() {
		t.Fatal("boot failures must not trip the latch")
	}
}

func TestWarmBootPropagatesPollFailure(t *testing.T) {
	clock := newManualClock()
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), errReadyBooter{err: errors.New("probe broken")}, latch, clock)

	_, err := orch.WarmBoot(context.Background(), NewActive("node-1", clock.Now()).Clone())
	if err == nil || !strings.Contains(err.Error(), "poll shadow") {
		t.Fatalf("expected poll failure, got %v", err)
	}
	if latch.Halted() {
		t.Fatal("poll failures must not trip the latch")
	}
}

func TestWarmBootHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clock := newManualClock()
	booter := NewSimBooter(0, WithSimTimeSource(clock.Now))
	orch := newTestOrchestrator(t, swapConfig(), booter, scram.NewLatch(), clock)

	if _, err := orch.WarmBoot(ctx, NewActive("node-1", clock.Now()).Clone()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestExecuteSwapDrainsOldAndActivatesShadow(t *testing.T) {
	clock := newManualClock()
	start := clock.Now()
	booter := NewSimBooter(300*time.Millisecond, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	old := NewActive("node-1", start).Clone()
	shadow, err := orch.WarmBoot(context.Background(), old)
	if err != nil {
		t.Fatalf("warm boot: %v", err)
	}

	report, err := orch.ExecuteSwap(context.Background(), old, shadow)
	if err != nil {
		t.Fatalf("execute swap: %v", err)
	}

	if report.OldNodeID != "node-1" || report.ShadowNodeID != "node-1-shadow" {
		t.Fatalf("unexpected identities %+v", report)
	}
	if !report.SwapSuccess {
		t.Fatal("expected successful swap")
	}
	if !report.SwapStart.Equal(start) {
		t.Fatalf("swap_start must be shadow creation, got %v", report.SwapStart)
	}
	if !report.ShadowReadyTime.Equal(start.Add(300 * time.Millisecond)) {
		t.Fatalf("unexpected shadow_ready_time %v", report.ShadowReadyTime)
	}
	if !report.OldNodeTerminatedTime.Equal(start.Add(500 * time.Millisecond)) {
		t.Fatalf("unexpected old_node_terminated_time %v", report.OldNodeTerminatedTime)
	}
	if report.TotalDurationMs != 500.0 {
		t.Fatalf("expected 500ms total, got %v", report.TotalDurationMs)
	}

	stats := orch.Statistics()
	if stats.TotalSwaps != 1 || stats.MeanDurationMs != 500.0 || stats.MaxDurationMs != 500.0 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	if !stats.AllSuccessful || stats.Halted {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	if latch.Halted() {
		t.Fatal("clean swap must not trip the latch")
	}
}

func TestExecuteSwapHaltsOnNonReadyShadow(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(0, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	old := NewActive("node-1", clock.Now()).Clone()
	shadow := NewShadow("node-1-shadow", clock.Now()).Clone()

	_, err := orch.ExecuteSwap(context.Background(), old, shadow)
	halt, ok := scram.AsHalt(err)
	if !ok {
		t.Fatalf("expected halt error, got %v", err)
	}
	if halt.Cause.Code != scram.CodeSwapOrdering {
		t.Fatalf("unexpected cause %s", halt.Cause.Code)
	}
	if !strings.Contains(halt.Cause.Message, "INITIALIZING") {
		t.Fatalf("expected offending state in message, got %q", halt.Cause.Message)
	}
	if len(orch.History()) != 0 {
		t.Fatal("ordering violations must not produce swap reports")
	}
	if _, err := orch.ExecuteSwap(context.Background(), old, shadow); !errors.Is(err, scram.ErrHalted) {
		t.Fatalf("expected frozen orchestrator to reject swaps, got %v", err)
	}
}

func TestExecuteSwapHaltsOnNonActiveOldNode(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(0, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	old := NewActive("node-1", clock.Now()).Clone()
	if err := old.Transition(StateDraining, clock.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	shadow := NewShadow("node-1-shadow", clock.Now())
	if err := shadow.Transition(StateReady, clock.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}

	_, err := orch.ExecuteSwap(context.Background(), old, shadow.Clone())
	halt, ok := scram.AsHalt(err)
	if !ok {
		t.Fatalf("expected halt error, got %v", err)
	}
	if halt.Cause.Code != scram.CodeSwapOrdering {
		t.Fatalf("unexpected cause %s", halt.Cause.Code)
	}
	if !strings.Contains(halt.Cause.Message, "node-1") {
		t.Fatalf("expected old node in message, got %q", halt.Cause.Message)
	}
}

func TestExecuteSwapRejectedByMaintenanceWindow(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(0, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock, WithWindowEvaluator(denyWindows{}))

	old := NewActive("node-1", clock.Now()).Clone()
	shadow, err := orch.WarmBoot(context.Background(), old)
	if err != nil {
		t.Fatalf("warm boot: %v", err)
	}

	_, err = orch.ExecuteSwap(context.Background(), old, shadow)
	if !errors.Is(err, ErrSwapWindowDenied) {
		t.Fatalf("expected window denial, got %v", err)
	}
	if latch.Halted() {
		t.Fatal("window denials are rejections, not violations")
	}
	if old.State != StateActive || shadow.State != StateReady {
		t.Fatalf("rejected swap must not touch the nodes: old %s shadow %s", old.State, shadow.State)
	}
}

func TestExecuteSwapRejectedDuringCooldown(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(0, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	cooldowns := cooldown.NewMemoryManager("coordinator-9", clock.Now)
	if err := cooldowns.Start(context.Background(), time.Minute); err != nil {
		t.Fatalf("start cooldown: %v", err)
	}
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock, WithCooldownManager(cooldowns))

	old := NewActive("node-1", clock.Now()).Clone()
	shadow, err := orch.WarmBoot(context.Background(), old)
	if err != nil {
		t.Fatalf("warm boot: %v", err)
	}

	_, err = orch.ExecuteSwap(context.Background(), old, shadow)
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), "coordinator-9") {
		t.Fatalf("expected holder in error, got %v", err)
	}
	if latch.Halted() {
		t.Fatal("cooldown rejections are not violations")
	}
}

func TestExecuteSwapStartsCooldownWindow(t *testing.T) {
	clock := newManualClock()
	cfg := swapConfig()
	cfg.Swap.CooldownSec = 30
	booter := NewSimBooter(0, WithSimTimeSource(clock.Now))
	cooldowns := cooldown.NewMemoryManager(cfg.NodeName, clock.Now)
	orch := newTestOrchestrator(t, cfg, booter, scram.NewLatch(), clock, WithCooldownManager(cooldowns))

	if _, err := orch.Replace(context.Background(), NewActive("node-1", clock.Now()).Clone()); err != nil {
		t.Fatalf("replace: %v", err)
	}

	status, err := cooldowns.Status(context.Background())
	if err != nil {
		t.Fatalf("cooldown status: %v", err)
	}
	if !status.Active {
		t.Fatal("expected cooldown window started after the swap")
	}
	if status.Coordinator != "coordinator-1" {
		t.Fatalf("unexpected coordinator %q", status.Coordinator)
	}
	if status.Remaining != 30*time.Second {
		t.Fatalf("expected 30s remaining, got %s", status.Remaining)
	}
}

func TestExecuteSwapRejectedWhenLockHeld(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(0, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	locks := lock.NewLocalManager()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock, WithLockManager(locks))

	old := NewActive("node-1", clock.Now()).Clone()
	shadow, err := orch.WarmBoot(context.Background(), old)
	if err != nil {
		t.Fatalf("warm boot: %v", err)
	}

	lease, err := locks.Acquire(context.Background())
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}

	_, err = orch.ExecuteSwap(context.Background(), old, shadow)
	if !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	if latch.Halted() {
		t.Fatal("lock contention is a rejection, not a violation")
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if _, err := orch.ExecuteSwap(context.Background(), old, shadow); err != nil {
		t.Fatalf("swap after release: %v", err)
	}
}

func TestReplaceRunsWarmBootThenSwap(t *testing.T) {
	clock := newManualClock()
	start := clock.Now()
	booter := NewSimBooter(100*time.Millisecond, WithSimTimeSource(clock.Now))
	orch := newTestOrchestrator(t, swapConfig(), booter, scram.NewLatch(), clock)

	report, err := orch.Replace(context.Background(), NewActive("node-5", start).Clone())
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if report.ShadowNodeID != "node-5-shadow" {
		t.Fatalf("unexpected shadow id %q", report.ShadowNodeID)
	}
	if report.TotalDurationMs != 300.0 {
		t.Fatalf("expected 100ms warm boot plus 200ms drain, got %v", report.TotalDurationMs)
	}
	if got := len(orch.History()); got != 1 {
		t.Fatalf("expected one report, got %d", got)
	}
}

func TestOperationsRejectedWhenLatchAlreadyTripped(t *testing.T) {
	clock := newManualClock()
	latch := scram.NewLatch()
	latch.Trip(scram.Cause{Code: scram.CodeHashDivergence, Protocol: scram.ProtocolTemporalBarrier, Message: "hash mismatch"})
	booter := NewSimBooter(0, WithSimTimeSource(clock.Now))
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	old := NewActive("node-1", clock.Now()).Clone()
	if _, err := orch.WarmBoot(context.Background(), old); !errors.Is(err, scram.ErrHalted) {
		t.Fatalf("expected warm boot rejected, got %v", err)
	}
	shadow := NewShadow("node-1-shadow", clock.Now())
	if err := shadow.Transition(StateReady, clock.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := orch.ExecuteSwap(context.Background(), old, shadow.Clone()); !errors.Is(err, scram.ErrHalted) {
		t.Fatalf("expected swap rejected, got %v", err)
	}
}

func TestOrchestratorEmitsSwapObservability(t *testing.T) {
	clock := newManualClock()
	reporter := &captureReporter{}
	booter := NewSimBooter(100*time.Millisecond, WithSimTimeSource(clock.Now))
	orch := newTestOrchestrator(t, swapConfig(), booter, scram.NewLatch(), clock, WithReporter(reporter))

	if _, err := orch.Replace(context.Background(), NewActive("node-1", clock.Now()).Clone()); err != nil {
		t.Fatalf("replace: %v", err)
	}

	names := reporter.eventNames()
	wantOrder := []string{"shadow_boot", "shadow_ready", "swap_completed"}
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
	var sawOutcome, sawDuration bool
	for _, metric := range reporter.metrics {
		switch metric.Name {
		case "swaps_total":
			sawOutcome = true
			if metric.Labels["result"] != "completed" {
				t.Fatalf("unexpected result label %q", metric.Labels["result"])
			}
		case "swap_duration_seconds":
			sawDuration = true
			if metric.Value != 0.3 {
				t.Fatalf("expected 0.3s duration, got %v", metric.Value)
			}
		}
	}
	if !sawOutcome || !sawDuration {
		t.Fatal("expected swap outcome counter and duration histogram")
	}
}

func TestOrchestratorEmitsHaltObservability(t *testing.T) {
	clock := newManualClock()
	reporter := &captureReporter{}
	booter := NewSimBooter(-1, WithSimTimeSource(clock.Now))
	orch := newTestOrchestrator(t, swapConfig(), booter, scram.NewLatch(), clock, WithReporter(reporter))

	if _, err := orch.WarmBoot(context.Background(), NewActive("node-1", clock.Now()).Clone()); err == nil {
		t.Fatal("expected warm boot to halt")
	}

	names := reporter.eventNames()
	wantOrder := []string{"shadow_boot", "scram_halt"}
	if len(names) != len(wantOrder) {
		t.Fatalf("unexpected events %v", names)
	}
	for i, want := range wantOrder {
		if names[i] != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, names[i])
		}
	}
}

func TestReportCarriesSwapHistory(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(100*time.Millisecond, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	if _, err := orch.Replace(context.Background(), NewActive("node-1", clock.Now()).Clone()); err != nil {
		t.Fatalf("replace: %v", err)
	}

	doc := orch.Report()
	if doc.Protocol != scram.ProtocolShadowSwap {
		t.Fatalf("unexpected protocol %s", doc.Protocol)
	}
	if doc.Halted || doc.ScramTriggered {
		t.Fatalf("unexpected halt flags %+v", doc)
	}
	history, ok := doc.History.([]SwapReport)
	if !ok || len(history) != 1 {
		t.Fatalf("expected one report in history, got %T %v", doc.History, doc.History)
	}
	if doc.Thresholds["ready_timeout_ms"] != 500.0 || doc.Thresholds["drain_delay_ms"] != 200.0 {
		t.Fatalf("unexpected thresholds %v", doc.Thresholds)
	}
	if doc.Summary["total_swaps"] != 1 {
		t.Fatalf("unexpected summary %v", doc.Summary)
	}
}

func TestReportCarriesHaltCause(t *testing.T) {
	clock := newManualClock()
	booter := NewSimBooter(-1, WithSimTimeSource(clock.Now))
	latch := scram.NewLatch()
	orch := newTestOrchestrator(t, swapConfig(), booter, latch, clock)

	if _, err := orch.WarmBoot(context.Background(), NewActive("node-1", clock.Now()).Clone()); err == nil {
		t.Fatal("expected warm boot to halt")
	}

	doc := orch.Report()
	if !doc.Halted || !doc.ScramTriggered {
		t.Fatal("expected halted report")
	}
	if doc.Cause == nil || doc.Cause.Code != scram.CodeShadowReadyTimeout {
		t.Fatalf("expected ready-timeout cause, got %+v", doc.Cause)
	}
	stats := orch.Statistics()
	if !stats.Halted || stats.TotalSwaps != 0 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}
