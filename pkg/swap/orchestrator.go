package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
	"github.com/swarmcoordd/swarmcoordd/pkg/cooldown"
	"github.com/swarmcoordd/swarmcoordd/pkg/lock"
	"github.com/swarmcoordd/swarmcoordd/pkg/observability"
	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
	"github.com/swarmcoordd/swarmcoordd/pkg/windows"
)

// Scheduling-level rejections. Neither is a protocol violation: the swap is
// refused without touching either node and may be retried later.
var (
	// ErrCooldownActive rejects a swap attempted inside the quiet period
	// started by the previous swap.
	ErrCooldownActive = errors.New("swap cooldown active")
	// ErrSwapWindowDenied rejects a swap attempted outside the configured
	// maintenance windows.
	ErrSwapWindowDenied = errors.New("swap denied by maintenance window")
)

// SwapReport is the immutable timing record of one completed replacement.
type SwapReport struct {
	OldNodeID             string    `json:"old_node_id"`
	ShadowNodeID          string    `json:"shadow_node_id"`
	SwapStart             time.Time `json:"swap_start"`
	ShadowReadyTime       time.Time `json:"shadow_ready_time"`
	OldNodeTerminatedTime time.Time `json:"old_node_terminated_time"`
	TotalDurationMs       float64   `json:"total_duration_ms"`
	SwapSuccess           bool      `json:"swap_success"`
}

// Statistics aggregates the swap history.
type Statistics struct {
	TotalSwaps     int     `json:"total_swaps"`
	MeanDurationMs float64 `json:"mean_duration_ms"`
	MaxDurationMs  float64 `json:"max_duration_ms"`
	AllSuccessful  bool    `json:"all_successful"`
	Halted         bool    `json:"halted"`
}

// Orchestrator replaces nodes one at a time. It owns the lifecycle records of
// the pair being swapped and is driven by a single goroutine; the lock manager
// serializes swaps across coordinators, not within one.
type Orchestrator struct {
	cfg       *config.Config
	booter    Booter
	latch     *scram.Latch
	locks     lock.Manager
	cooldowns cooldown.Manager
	windows   windows.Evaluator
	reporter  observability.Reporter
	now       func() time.Time
	sleep     func(time.Duration)
	history   []SwapReport
	halted    bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithSleepFunc overrides the sleep used for readiness polls and drain delays.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(o *Orchestrator) {
		o.sleep = fn
	}
}

// WithReporter attaches an observability reporter to the orchestrator.
func WithReporter(rep observability.Reporter) Option {
	return func(o *Orchestrator) {
		if rep != nil {
			o.reporter = rep
		}
	}
}

// WithLockManager sets the manager serializing swaps across coordinators.
func WithLockManager(mgr lock.Manager) Option {
	return func(o *Orchestrator) {
		if mgr != nil {
			o.locks = mgr
		}
	}
}

// WithCooldownManager sets the manager enforcing the quiet period between
// swaps. Without one, swaps are not rate limited.
func WithCooldownManager(mgr cooldown.Manager) Option {
	return func(o *Orchestrator) {
		o.cooldowns = mgr
	}
}

// WithWindowEvaluator gates swaps on maintenance windows. Without one, swaps
// are allowed at any time.
func WithWindowEvaluator(ev windows.Evaluator) Option {
	return func(o *Orchestrator) {
		o.windows = ev
	}
}

// NewOrchestrator constructs an Orchestrator with the provided dependencies.
func NewOrchestrator(cfg *config.Config, booter Booter, latch *scram.Latch, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if booter == nil {
		return nil, errors.New("booter must not be nil")
	}
	if latch == nil {
		return nil, errors.New("halt latch must not be nil")
	}

	orch := &Orchestrator{
		cfg:      cfg,
		booter:   booter,
		latch:    latch,
		locks:    lock.NewNoopManager(),
		reporter: observability.NoopReporter{},
		now:      time.Now,
		sleep:    time.Sleep,
	}

	for _, opt := range opts {
		opt(orch)
	}

	if orch.now == nil {
		orch.now = time.Now
	}
	if orch.sleep == nil {
		orch.sleep = time.Sleep
	}
	if orch.reporter == nil {
		orch.reporter = observability.NoopReporter{}
	}
	if orch.locks == nil {
		orch.locks = lock.NewNoopManager()
	}

	return orch, nil
}

// WarmBoot provisions the shadow replica for old and polls it to READY. The
// shadow must prove readiness within the configured timeout; missing the
// deadline trips shadow_ready_timeout and returns a *scram.HaltError. The old
// node is never touched on this path: at halt time it is still serving.
func (o *Orchestrator) WarmBoot(ctx context.Context, old Node) (Node, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.halted || o.latch.Halted() {
		return Node{}, scram.ErrHalted
	}

	shadow := NewShadow(old.NodeID+o.cfg.Swap.ShadowSuffix, o.now())
	if err := o.booter.Boot(ctx, shadow.Clone()); err != nil {
		return Node{}, fmt.Errorf("boot shadow %s: %w", shadow.NodeID, err)
	}
	o.recordShadowBoot(ctx, old, *shadow)

	timeout := o.cfg.ReadyTimeout()
	interval := o.cfg.PollInterval()
	deadline := shadow.CreatedAt.Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return Node{}, err
		}

		polledAt := o.now()
		if polledAt.After(deadline) {
			elapsedMs := durationMs(polledAt.Sub(shadow.CreatedAt))
			return Node{}, o.halt(ctx, scram.Cause{
				Code:     scram.CodeShadowReadyTimeout,
				Protocol: scram.ProtocolShadowSwap,
				Message:  fmt.Sprintf("shadow %s not READY after %.0fms (timeout %.0fms); old node %s left untouched", shadow.NodeID, elapsedMs, durationMs(timeout), old.NodeID),
				Metrics: map[string]float64{
					"elapsed_ms": elapsedMs,
				},
				Thresholds: o.thresholds(),
			})
		}

		ready, err := o.booter.Ready(ctx, shadow.Clone())
		if err != nil {
			return Node{}, fmt.Errorf("poll shadow %s: %w", shadow.NodeID, err)
		}
		if ready {
			if err := shadow.Transition(StateReady, polledAt); err != nil {
				return Node{}, err
			}
			o.recordShadowReady(ctx, *shadow, polledAt.Sub(shadow.CreatedAt))
			return shadow.Clone(), nil
		}

		if err := o.sleepWithContext(ctx, interval); err != nil {
			return Node{}, err
		}
	}
}

// ExecuteSwap retires old in favour of its READY shadow. Window denials,
// active cooldowns, and lock contention reject the swap without touching
// either node; a shadow that is not READY, or an old node that is not ACTIVE,
// is an ordering violation that halts the layer. On success the old node is
// drained and terminated, the shadow is serving, and the cooldown window
// starts.
func (o *Orchestrator) ExecuteSwap(ctx context.Context, old, shadow Node) (SwapReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.halted || o.latch.Halted() {
		return SwapReport{}, scram.ErrHalted
	}

	if o.windows != nil {
		decision := o.windows.Evaluate(o.now())
		if !decision.Allowed {
			o.recordSwapRejected(ctx, old, shadow, decision.Reason())
			return SwapReport{}, fmt.Errorf("%w: %s", ErrSwapWindowDenied, decision.Reason())
		}
	}

	if o.cooldowns != nil {
		status, err := o.cooldowns.Status(ctx)
		if err != nil {
			return SwapReport{}, fmt.Errorf("check swap cooldown: %w", err)
		}
		if status.Active {
			reason := fmt.Sprintf("%s remaining (started by %s)", status.Remaining.Round(time.Millisecond), status.Coordinator)
			o.recordSwapRejected(ctx, old, shadow, reason)
			return SwapReport{}, fmt.Errorf("%w: %s", ErrCooldownActive, reason)
		}
	}

	lease, err := o.locks.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			o.recordSwapRejected(ctx, old, shadow, "swap lock held by another coordinator")
		}
		return SwapReport{}, fmt.Errorf("acquire swap lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := lease.Release(releaseCtx); releaseErr != nil {
			o.recordLockReleaseFailure(releaseCtx, releaseErr)
		}
	}()

	if shadow.State != StateReady {
		return SwapReport{}, o.halt(ctx, scram.Cause{
			Code:     scram.CodeSwapOrdering,
			Protocol: scram.ProtocolShadowSwap,
			Message:  fmt.Sprintf("shadow %s is %s, swap requires READY", shadow.NodeID, shadow.State),
			Metrics: map[string]float64{
				"shadow_state_rank": float64(stateRank[shadow.State]),
			},
			Thresholds: o.thresholds(),
		})
	}
	if old.State != StateActive {
		return SwapReport{}, o.halt(ctx, scram.Cause{
			Code:       scram.CodeSwapOrdering,
			Protocol:   scram.ProtocolShadowSwap,
			Message:    fmt.Sprintf("old node %s is %s, swap requires ACTIVE", old.NodeID, old.State),
			Thresholds: o.thresholds(),
		})
	}

	swapStart := shadow.CreatedAt
	if swapStart.IsZero() {
		swapStart = o.now()
	}

	if err := old.Transition(StateDraining, o.now()); err != nil {
		return SwapReport{}, o.orderingHalt(ctx, err)
	}
	if err := shadow.Transition(StateActive, o.now()); err != nil {
		return SwapReport{}, o.orderingHalt(ctx, err)
	}
	if err := o.sleepWithContext(ctx, o.cfg.DrainDelay()); err != nil {
		return SwapReport{}, err
	}
	if err := old.Transition(StateTerminated, o.now()); err != nil {
		return SwapReport{}, o.orderingHalt(ctx, err)
	}

	report := SwapReport{
		OldNodeID:             old.NodeID,
		ShadowNodeID:          shadow.NodeID,
		SwapStart:             swapStart,
		OldNodeTerminatedTime: *old.TerminatedAt,
		TotalDurationMs:       durationMs(old.TerminatedAt.Sub(swapStart)),
		SwapSuccess:           true,
	}
	if shadow.ReadyAt != nil {
		report.ShadowReadyTime = *shadow.ReadyAt
	}
	o.history = append(o.history, report)

	if o.cooldowns != nil {
		if d := o.cfg.SwapCooldown(); d > 0 {
			if err := o.cooldowns.Start(ctx, d); err != nil {
				o.recordCooldownStartFailure(ctx, err)
			}
		}
	}

	o.recordSwapCompleted(ctx, report)
	return report, nil
}

// Replace is the one-call operational path: warm-boot the shadow, then swap.
func (o *Orchestrator) Replace(ctx context.Context, old Node) (SwapReport, error) {
	shadow, err := o.WarmBoot(ctx, old)
	if err != nil {
		return SwapReport{}, err
	}
	return o.ExecuteSwap(ctx, old, shadow)
}

// Statistics aggregates the completed swap history.
func (o *Orchestrator) Statistics() Statistics {
	stats := Statistics{
		TotalSwaps:    len(o.history),
		AllSuccessful: true,
		Halted:        o.halted || o.latch.Halted(),
	}
	if len(o.history) == 0 {
		return stats
	}
	var sum float64
	for _, report := range o.history {
		sum += report.TotalDurationMs
		if report.TotalDurationMs > stats.MaxDurationMs {
			stats.MaxDurationMs = report.TotalDurationMs
		}
		if !report.SwapSuccess {
			stats.AllSuccessful = false
		}
	}
	stats.MeanDurationMs = sum / float64(len(o.history))
	return stats
}

// History returns the ordered swap reports produced so far.
func (o *Orchestrator) History() []SwapReport {
	return append([]SwapReport(nil), o.history...)
}

// Halted reports whether the orchestrator has frozen.
func (o *Orchestrator) Halted() bool { return o.halted }

// Report assembles the shadow-swap report document.
func (o *Orchestrator) Report() scram.Document {
	stats := o.Statistics()
	doc := scram.Document{
		Protocol:       scram.ProtocolShadowSwap,
		GeneratedAt:    o.now(),
		Halted:         o.halted,
		ScramTriggered: o.latch.Halted(),
		Thresholds:     o.thresholds(),
		History:        o.History(),
		Summary: map[string]any{
			"total_swaps":      stats.TotalSwaps,
			"mean_duration_ms": stats.MeanDurationMs,
			"max_duration_ms":  stats.MaxDurationMs,
			"all_successful":   stats.AllSuccessful,
		},
	}
	if cause, ok := o.latch.Cause(); ok {
		doc.Cause = &cause
	}
	return doc
}

func (o *Orchestrator) halt(ctx context.Context, cause scram.Cause) error {
	o.latch.Trip(cause)
	if !o.halted {
		o.halted = true
		o.recordHalt(ctx)
	}
	if latched, ok := o.latch.Cause(); ok {
		cause = latched
	}
	return scram.NewHaltError(cause)
}

func (o *Orchestrator) orderingHalt(ctx context.Context, err error) error {
	return o.halt(ctx, scram.Cause{
		Code:       scram.CodeSwapOrdering,
		Protocol:   scram.ProtocolShadowSwap,
		Message:    err.Error(),
		Thresholds: o.thresholds(),
	})
}

func (o *Orchestrator) thresholds() map[string]float64 {
	return map[string]float64{
		"ready_timeout_ms": durationMs(o.cfg.ReadyTimeout()),
		"drain_delay_ms":   durationMs(o.cfg.DrainDelay()),
	}
}

func (o *Orchestrator) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		o.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (o *Orchestrator) recordShadowBoot(ctx context.Context, old, shadow Node) {
	o.reporter.RecordMetric(observability.Metric{
		Name:        "shadow_boots_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Shadow replicas booted for node replacement.",
	})
	o.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: shadow.CreatedAt,
		Level:     observability.LevelInfo,
		Protocol:  scram.ProtocolShadowSwap,
		Event:     "shadow_boot",
		Message:   fmt.Sprintf("booting shadow %s for %s", shadow.NodeID, old.NodeID),
		Fields: map[string]interface{}{
			"old_node_id":    old.NodeID,
			"shadow_node_id": shadow.NodeID,
		},
	})
}

func (o *Orchestrator) recordShadowReady(ctx context.Context, shadow Node, took time.Duration) {
	o.reporter.RecordMetric(observability.Metric{
		Name:        "shadow_ready_seconds",
		Type:        observability.MetricHistogram,
		Value:       took.Seconds(),
		Unit:        "seconds",
		Description: "Time from shadow boot to READY.",
	})
	o.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: o.now(),
		Level:     observability.LevelInfo,
		Protocol:  scram.ProtocolShadowSwap,
		Event:     "shadow_ready",
		Message:   fmt.Sprintf("shadow %s READY after %.0fms", shadow.NodeID, durationMs(took)),
		Fields: map[string]interface{}{
			"shadow_node_id": shadow.NodeID,
			"ready_after_ms": durationMs(took),
		},
	})
}

func (o *Orchestrator) recordSwapRejected(ctx context.Context, old, shadow Node, reason string) {
	o.reporter.RecordMetric(observability.Metric{
		Name:        "swaps_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Swap attempts, labelled by outcome.",
		Labels:      map[string]string{"result": "rejected"},
	})
	o.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: o.now(),
		Level:     observability.LevelWarn,
		Protocol:  scram.ProtocolShadowSwap,
		Event:     "swap_rejected",
		Message:   reason,
		Fields: map[string]interface{}{
			"old_node_id":    old.NodeID,
			"shadow_node_id": shadow.NodeID,
		},
	})
}

func (o *Orchestrator) recordSwapCompleted(ctx context.Context, report SwapReport) {
	o.reporter.RecordMetric(observability.Metric{
		Name:        "swaps_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Swap attempts, labelled by outcome.",
		Labels:      map[string]string{"result": "completed"},
	})
	o.reporter.RecordMetric(observability.Metric{
		Name:        "swap_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       report.TotalDurationMs / 1000,
		Unit:        "seconds",
		Description: "End-to-end duration of completed swaps.",
	})
	o.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: report.OldNodeTerminatedTime,
		Level:     observability.LevelInfo,
		Protocol:  scram.ProtocolShadowSwap,
		Event:     "swap_completed",
		Message:   fmt.Sprintf("%s replaced by %s in %.0fms", report.OldNodeID, report.ShadowNodeID, report.TotalDurationMs),
		Fields: map[string]interface{}{
			"old_node_id":       report.OldNodeID,
			"shadow_node_id":    report.ShadowNodeID,
			"total_duration_ms": report.TotalDurationMs,
		},
	})
}

func (o *Orchestrator) recordLockReleaseFailure(ctx context.Context, err error) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: o.now(),
		Level:     observability.LevelWarn,
		Protocol:  scram.ProtocolShadowSwap,
		Event:     "swap_lock_release_failed",
		Message:   err.Error(),
	})
}

func (o *Orchestrator) recordCooldownStartFailure(ctx context.Context, err error) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: o.now(),
		Level:     observability.LevelWarn,
		Protocol:  scram.ProtocolShadowSwap,
		Event:     "swap_cooldown_start_failed",
		Message:   err.Error(),
	})
}

func (o *Orchestrator) recordHalt(ctx context.Context) {
	fields := map[string]interface{}{"total_swaps": len(o.history)}
	if cause, ok := o.latch.Cause(); ok {
		fields["code"] = string(cause.Code)
		fields["protocol"] = cause.Protocol
	}
	o.reporter.RecordMetric(observability.Metric{
		Name:        "scram_halts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Fatal halts tripped by coordination protocols.",
	})
	o.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: o.now(),
		Level:     observability.LevelError,
		Protocol:  scram.ProtocolShadowSwap,
		Event:     "scram_halt",
		Message:   "shadow-swap orchestrator frozen",
		Fields:    fields,
	})
}
