// Package scram implements the shared fail-closed halt path: the latch that
// freezes every coordination protocol, the violation taxonomy, the report
// documents serialized on shutdown, and the operator-facing banner.
package scram

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Code identifies one fatal violation class. Every code is terminal: none are
// retried, downgraded, or recoverable within the same run.
type Code string

const (
	CodeAggregateHealth    Code = "aggregate_health"
	CodeHeartbeatLatency   Code = "heartbeat_latency"
	CodeCategoryHealth     Code = "category_health"
	CodeTemporalSkew       Code = "temporal_skew"
	CodeHashDivergence     Code = "hash_divergence"
	CodeEngineIdentity     Code = "engine_identity"
	CodeShadowReadyTimeout Code = "shadow_ready_timeout"
	CodeSwapOrdering       Code = "swap_ordering"
	// CodeOperatorHalt is tripped by the halt-file tripwire rather than a
	// protocol invariant.
	CodeOperatorHalt Code = "operator_halt"
)

// ErrHalted is returned by protocol operations invoked after the latch has
// tripped.
var ErrHalted = errors.New("coordination layer halted")

// Cause records the first violation that tripped the latch, with the exact
// measured values and the thresholds they were checked against.
type Cause struct {
	Code       Code               `json:"code"`
	Protocol   string             `json:"protocol"`
	Message    string             `json:"message"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	Violations []string           `json:"violations,omitempty"`
	TrippedAt  time.Time          `json:"tripped_at"`
}

// Latch is the process-wide halt gate. One latch is constructed per
// coordinator and shared by reference with every protocol component; the
// first cause to trip wins and later causes are discarded.
type Latch struct {
	mu    sync.Mutex
	cause *Cause
	now   func() time.Time
}

// NewLatch constructs an untripped latch.
func NewLatch() *Latch {
	return &Latch{now: time.Now}
}

// Trip records the cause and freezes the layer. It returns true when this
// call tripped the latch and false when a prior cause already had.
func (l *Latch) Trip(cause Cause) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cause != nil {
		return false
	}
	if cause.TrippedAt.IsZero() {
		cause.TrippedAt = l.now()
	}
	l.cause = &cause
	return true
}

// Halted reports whether the latch has tripped.
func (l *Latch) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause != nil
}

// Cause returns the recorded cause, when present.
func (l *Latch) Cause() (Cause, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cause == nil {
		return Cause{}, false
	}
	return *l.cause, true
}

// HaltError propagates a tripped cause through error returns so callers can
// distinguish a fatal halt from ordinary failures with errors.As.
type HaltError struct {
	Cause Cause
}

// NewHaltError wraps the cause in a HaltError.
func NewHaltError(cause Cause) *HaltError {
	return &HaltError{Cause: cause}
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("scram halt [%s/%s]: %s", e.Cause.Protocol, e.Cause.Code, e.Cause.Message)
}

func (e *HaltError) Is(target error) bool {
	var other *HaltError
	return errors.As(target, &other)
}

// AsHalt extracts a HaltError from an error chain.
func AsHalt(err error) (*HaltError, bool) {
	var halt *HaltError
	if errors.As(err, &halt) {
		return halt, true
	}
	return nil, false
}
