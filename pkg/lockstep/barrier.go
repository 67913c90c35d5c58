// Package lockstep cross-verifies two redundant computation engines tick by
// tick. A tick passes only when both engines agree on output hash and their
// timestamps stay within the skew ceiling; any divergence is a correctness
// emergency and halts the whole coordination layer.
package lockstep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
	"github.com/swarmcoordd/swarmcoordd/pkg/observability"
	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
)

// StatusConfirmed is the only terminal parity status: failure paths halt
// instead of reporting.
const StatusConfirmed = "CONFIRMED"

// ErrTickOrder is returned when a tick arrives out of increasing order or is
// submitted twice. It marks a caller bug, not an engine divergence.
var ErrTickOrder = errors.New("tick out of order")

// ErrTickMismatch is returned when an engine result carries a different tick
// id than the validation call.
var ErrTickMismatch = errors.New("engine result tick mismatch")

// EngineResult is one engine's output record for a logical tick. Results are
// immutable once created; the payload is opaque to the barrier.
type EngineResult struct {
	TickID     int     `json:"tick_id"`
	EngineID   string  `json:"engine_id"`
	VectorHash string  `json:"vector_hash"`
	Timestamp  float64 `json:"timestamp"`
	Payload    any     `json:"payload,omitempty"`
}

// ParityReport is produced only when a tick passes both checks.
type ParityReport struct {
	TickID      int     `json:"tick_id"`
	TimeDeltaMs float64 `json:"time_delta_ms"`
	HashMatch   bool    `json:"hash_match"`
	Status      string  `json:"status"`
	EngineATs   float64 `json:"engine_a_ts"`
	EngineBTs   float64 `json:"engine_b_ts"`
}

// Stats summarises the barrier's confirmed ticks.
type Stats struct {
	TotalTicks       int     `json:"total_ticks"`
	MaxTimeDeltaMs   float64 `json:"max_time_delta_ms"`
	MeanTimeDeltaMs  float64 `json:"mean_time_delta_ms"`
	AllHashesMatched bool    `json:"all_hashes_matched"`
	Halted           bool    `json:"halted"`
}

// Barrier validates paired engine results in strictly increasing tick order.
type Barrier struct {
	engineA      string
	engineB      string
	maxSkewMs    float64
	latch        *scram.Latch
	reporter     observability.Reporter
	now          func() time.Time
	history      []ParityReport
	lastTick     int
	seenTick     bool
	sumDeltaMs   float64
	maxDeltaMs   float64
	hashDiverged bool
}

// Option configures a Barrier.
type Option func(*Barrier)

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(b *Barrier) {
		if fn != nil {
			b.now = fn
		}
	}
}

// WithReporter attaches an observability reporter to the barrier.
func WithReporter(rep observability.Reporter) Option {
	return func(b *Barrier) {
		if rep != nil {
			b.reporter = rep
		}
	}
}

// NewBarrier constructs a Barrier for the configured engine pair.
func NewBarrier(cfg *config.Config, latch *scram.Latch, opts ...Option) (*Barrier, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if len(cfg.Barrier.Engines) != 2 {
		return nil, errors.New("barrier requires exactly two engines")
	}
	return NewBarrierForEngines(cfg.Barrier.Engines[0], cfg.Barrier.Engines[1], cfg.MaxSkewMs(), latch, opts...)
}

// NewBarrierForEngines constructs a Barrier with an explicit engine pair.
func NewBarrierForEngines(engineA, engineB string, maxSkewMs float64, latch *scram.Latch, opts ...Option) (*Barrier, error) {
	if latch == nil {
		return nil, errors.New("halt latch must not be nil")
	}
	if engineA == "" || engineB == "" {
		return nil, errors.New("engine ids must not be empty")
	}
	if engineA == engineB {
		return nil, errors.New("engine ids must be distinct")
	}
	if maxSkewMs <= 0 {
		return nil, fmt.Errorf("max skew %.2fms must be greater than zero", maxSkewMs)
	}

	barrier := &Barrier{
		engineA:   engineA,
		engineB:   engineB,
		maxSkewMs: maxSkewMs,
		latch:     latch,
		now:       time.Now,
		reporter:  observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(barrier)
	}
	if barrier.now == nil {
		barrier.now = time.Now
	}
	if barrier.reporter == nil {
		barrier.reporter = observability.NoopReporter{}
	}
	return barrier, nil
}

// Validate checks one tick's engine pair. On success it records and returns a
// ParityReport; on engine-identity, skew, or hash violations it trips the
// latch and returns a *scram.HaltError. Tick ids must strictly increase and a
// tick is never validated twice.
func (b *Barrier) Validate(ctx context.Context, tickID int, first, second EngineResult) (ParityReport, error) {
	if b.latch.Halted() {
		return ParityReport{}, scram.ErrHalted
	}
	if b.seenTick && tickID <= b.lastTick {
		return ParityReport{}, fmt.Errorf("tick %d after tick %d: %w", tickID, b.lastTick, ErrTickOrder)
	}
	if first.TickID != tickID || second.TickID != tickID {
		return ParityReport{}, fmt.Errorf("tick %d carried results for ticks %d/%d: %w", tickID, first.TickID, second.TickID, ErrTickMismatch)
	}

	resultA, resultB, err := b.pairByEngine(tickID, first, second)
	if err != nil {
		return ParityReport{}, err
	}

	deltaMs := (resultA.Timestamp - resultB.Timestamp) * 1000
	if deltaMs < 0 {
		deltaMs = -deltaMs
	}
	if deltaMs > b.maxSkewMs {
		return ParityReport{}, b.halt(ctx, scram.Cause{
			Code:     scram.CodeTemporalSkew,
			Protocol: scram.ProtocolTemporalBarrier,
			Message:  fmt.Sprintf("tick %d skew %.4fms exceeds %.2fms", tickID, deltaMs, b.maxSkewMs),
			Metrics: map[string]float64{
				"time_delta_ms": deltaMs,
				"tick_id":       float64(tickID),
			},
			Thresholds: map[string]float64{"max_skew_ms": b.maxSkewMs},
			Violations: []string{fmt.Sprintf("%s: tick %d time_delta_ms %.4fms > %.2fms", scram.CodeTemporalSkew, tickID, deltaMs, b.maxSkewMs)},
		})
	}

	if resultA.VectorHash != resultB.VectorHash {
		b.hashDiverged = true
		return ParityReport{}, b.halt(ctx, scram.Cause{
			Code:     scram.CodeHashDivergence,
			Protocol: scram.ProtocolTemporalBarrier,
			Message:  fmt.Sprintf("tick %d output hashes diverged between %s and %s", tickID, b.engineA, b.engineB),
			Metrics: map[string]float64{
				"time_delta_ms": deltaMs,
				"tick_id":       float64(tickID),
			},
			Thresholds: map[string]float64{"max_skew_ms": b.maxSkewMs},
			Violations: []string{fmt.Sprintf("%s: tick %d %s=%s %s=%s", scram.CodeHashDivergence, tickID, b.engineA, shortHash(resultA.VectorHash), b.engineB, shortHash(resultB.VectorHash))},
		})
	}

	report := ParityReport{
		TickID:      tickID,
		TimeDeltaMs: deltaMs,
		HashMatch:   true,
		Status:      StatusConfirmed,
		EngineATs:   resultA.Timestamp,
		EngineBTs:   resultB.Timestamp,
	}
	b.history = append(b.history, report)
	b.lastTick = tickID
	b.seenTick = true
	b.sumDeltaMs += deltaMs
	if deltaMs > b.maxDeltaMs {
		b.maxDeltaMs = deltaMs
	}
	b.recordParity(ctx, report)

	return report, nil
}

// pairByEngine maps the two results onto the configured engine identities.
// Unknown or duplicate engine ids are fatal: accepting a result from an
// unexpected engine would void the redundancy guarantee.
func (b *Barrier) pairByEngine(tickID int, first, second EngineResult) (EngineResult, EngineResult, error) {
	var resultA, resultB *EngineResult
	for _, result := range []EngineResult{first, second} {
		switch result.EngineID {
		case b.engineA:
			if resultA != nil {
				return EngineResult{}, EngineResult{}, b.haltIdentity(tickID, fmt.Sprintf("duplicate results from engine %s", b.engineA))
			}
			resultA = &result
		case b.engineB:
			if resultB != nil {
				return EngineResult{}, EngineResult{}, b.haltIdentity(tickID, fmt.Sprintf("duplicate results from engine %s", b.engineB))
			}
			resultB = &result
		default:
			return EngineResult{}, EngineResult{}, b.haltIdentity(tickID, fmt.Sprintf("unexpected engine %q", result.EngineID))
		}
	}
	return *resultA, *resultB, nil
}

func (b *Barrier) haltIdentity(tickID int, detail string) error {
	return b.halt(context.Background(), scram.Cause{
		Code:       scram.CodeEngineIdentity,
		Protocol:   scram.ProtocolTemporalBarrier,
		Message:    fmt.Sprintf("tick %d: %s", tickID, detail),
		Metrics:    map[string]float64{"tick_id": float64(tickID)},
		Thresholds: map[string]float64{"max_skew_ms": b.maxSkewMs},
		Violations: []string{fmt.Sprintf("%s: tick %d %s", scram.CodeEngineIdentity, tickID, detail)},
	})
}

func (b *Barrier) halt(ctx context.Context, cause scram.Cause) error {
	b.latch.Trip(cause)
	if latched, ok := b.latch.Cause(); ok {
		cause = latched
	}
	b.recordHalt(ctx, cause)
	return scram.NewHaltError(cause)
}

// Statistics summarises the confirmed ticks so far.
func (b *Barrier) Statistics() Stats {
	stats := Stats{
		TotalTicks:       len(b.history),
		MaxTimeDeltaMs:   b.maxDeltaMs,
		AllHashesMatched: !b.hashDiverged,
		Halted:           b.latch.Halted(),
	}
	if len(b.history) > 0 {
		stats.MeanTimeDeltaMs = b.sumDeltaMs / float64(len(b.history))
	}
	return stats
}

// History returns the ordered parity reports produced so far.
func (b *Barrier) History() []ParityReport {
	return append([]ParityReport(nil), b.history...)
}

// Report assembles the temporal barrier report document.
func (b *Barrier) Report() scram.Document {
	stats := b.Statistics()
	doc := scram.Document{
		Protocol:       scram.ProtocolTemporalBarrier,
		GeneratedAt:    b.now(),
		Halted:         b.latch.Halted(),
		ScramTriggered: b.latch.Halted(),
		Thresholds:     map[string]float64{"max_skew_ms": b.maxSkewMs},
		History:        b.History(),
	}
	if cause, ok := b.latch.Cause(); ok {
		doc.Cause = &cause
	}
	doc.Summary = map[string]any{
		"engines":            []string{b.engineA, b.engineB},
		"total_ticks":        stats.TotalTicks,
		"max_time_delta_ms":  stats.MaxTimeDeltaMs,
		"mean_time_delta_ms": stats.MeanTimeDeltaMs,
		"all_hashes_matched": stats.AllHashesMatched,
	}
	return doc
}

// HashVector derives the canonical vector hash for an engine payload.
func HashVector(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func (b *Barrier) recordParity(ctx context.Context, report ParityReport) {
	b.reporter.RecordMetric(observability.Metric{
		Name:        "parity_checks_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Lockstep parity validations, labelled by result.",
		Labels:      map[string]string{"result": "confirmed"},
	})
	b.reporter.RecordMetric(observability.Metric{
		Name:        "parity_skew_seconds",
		Type:        observability.MetricHistogram,
		Value:       report.TimeDeltaMs / 1000,
		Unit:        "seconds",
		Description: "Timestamp skew between engine results per confirmed tick.",
	})
	b.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: b.now(),
		Level:     observability.LevelInfo,
		Protocol:  scram.ProtocolTemporalBarrier,
		Event:     "parity_confirmed",
		Message:   fmt.Sprintf("tick %d confirmed", report.TickID),
		Fields: map[string]interface{}{
			"tick_id":       report.TickID,
			"time_delta_ms": report.TimeDeltaMs,
		},
	})
}

func (b *Barrier) recordHalt(ctx context.Context, cause scram.Cause) {
	b.reporter.RecordMetric(observability.Metric{
		Name:        "parity_checks_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Lockstep parity validations, labelled by result.",
		Labels:      map[string]string{"result": string(cause.Code)},
	})
	b.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: b.now(),
		Level:     observability.LevelError,
		Protocol:  scram.ProtocolTemporalBarrier,
		Event:     "parity_halt",
		Message:   cause.Message,
		Fields: map[string]interface{}{
			"code":       string(cause.Code),
			"violations": len(cause.Violations),
		},
	})
}
