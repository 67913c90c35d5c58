// Package quorum validates per-category fleet health. A passing aggregate can
// mask the total loss of one functional partition, so every configured
// category must clear the threshold on its own; validity is the conjunction
// across categories and never an average.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
	"github.com/swarmcoordd/swarmcoordd/pkg/observability"
	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
	"github.com/swarmcoordd/swarmcoordd/pkg/swarm"
)

// ClusterHealth is the derived health view of one category. It is recomputed
// from a node snapshot on every validation call and never mutated in place.
type ClusterHealth struct {
	ClusterID   string  `json:"cluster_id"`
	Total       int     `json:"total"`
	Active      int     `json:"active"`
	Idle        int     `json:"idle"`
	Offline     int     `json:"offline"`
	HealthPct   float64 `json:"health_pct"`
	QuorumValid bool    `json:"quorum_valid"`
}

// Rule binds a category to its node id prefix. Rules are evaluated in
// declaration order and the first match wins.
type Rule struct {
	Category string
	Prefix   string
}

// Report is the outcome of one validation pass over a node snapshot.
type Report struct {
	Timestamp    time.Time       `json:"timestamp"`
	Categories   []ClusterHealth `json:"categories"`
	TotalNodes   int             `json:"total_nodes"`
	TotalActive  int             `json:"total_active"`
	AggregatePct float64         `json:"aggregate_pct"`
	Orphans      []string        `json:"orphans,omitempty"`
	QuorumValid  bool            `json:"category_quorum_valid"`
	Violations   []string        `json:"violations,omitempty"`
}

// Validator partitions node snapshots by prefix rule and checks every
// category against the shared threshold.
type Validator struct {
	rules     []Rule
	threshold float64
	latch     *scram.Latch
	reporter  observability.Reporter
	now       func() time.Time
	history   []Report
}

// Option configures a Validator.
type Option func(*Validator)

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(v *Validator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithReporter attaches an observability reporter to the validator.
func WithReporter(rep observability.Reporter) Option {
	return func(v *Validator) {
		if rep != nil {
			v.reporter = rep
		}
	}
}

// NewValidator constructs a Validator from the configured categories.
func NewValidator(cfg *config.Config, latch *scram.Latch, opts ...Option) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if latch == nil {
		return nil, errors.New("halt latch must not be nil")
	}
	if len(cfg.Quorum.Categories) == 0 {
		return nil, errors.New("at least one quorum category must be configured")
	}
	rules := make([]Rule, 0, len(cfg.Quorum.Categories))
	for _, cat := range cfg.Quorum.Categories {
		rules = append(rules, Rule{Category: cat.Category, Prefix: cat.Prefix})
	}
	return newValidator(rules, cfg.QuorumThresholdPct(), latch, opts...)
}

// NewValidatorForRules constructs a Validator from explicit rules, bypassing
// configuration. Used by the simulate command and tests.
func NewValidatorForRules(rules []Rule, thresholdPct float64, latch *scram.Latch, opts ...Option) (*Validator, error) {
	if latch == nil {
		return nil, errors.New("halt latch must not be nil")
	}
	if len(rules) == 0 {
		return nil, errors.New("at least one rule must be provided")
	}
	return newValidator(append([]Rule(nil), rules...), thresholdPct, latch, opts...)
}

func newValidator(rules []Rule, thresholdPct float64, latch *scram.Latch, opts ...Option) (*Validator, error) {
	for i, rule := range rules {
		if strings.TrimSpace(rule.Category) == "" {
			return nil, fmt.Errorf("rule %d: category must not be empty", i)
		}
		if strings.TrimSpace(rule.Prefix) == "" {
			return nil, fmt.Errorf("rule %d: prefix must not be empty", i)
		}
	}
	if thresholdPct <= 0 || thresholdPct > 100 {
		return nil, fmt.Errorf("threshold %.2f out of range (0,100]", thresholdPct)
	}

	validator := &Validator{
		rules:     rules,
		threshold: thresholdPct,
		latch:     latch,
		now:       time.Now,
		reporter:  observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(validator)
	}
	if validator.now == nil {
		validator.now = time.Now
	}
	if validator.reporter == nil {
		validator.reporter = observability.NoopReporter{}
	}
	return validator, nil
}

// Validate partitions the snapshot into categories and evaluates the quorum
// of each. The category index is rebuilt on every call so the hot heartbeat
// path never pays for prefix matching. Ids matching no rule are reported as
// orphans and excluded from every category. Any category below threshold
// trips the latch and returns the report alongside a *scram.HaltError.
func (v *Validator) Validate(ctx context.Context, nodes []swarm.NodeStatus) (Report, error) {
	if v.latch.Halted() {
		return Report{}, scram.ErrHalted
	}

	report := Report{Timestamp: v.now()}

	buckets := make(map[string][]swarm.NodeStatus, len(v.rules))
	for _, node := range nodes {
		matched := false
		for _, rule := range v.rules {
			if strings.HasPrefix(node.ID, rule.Prefix) {
				buckets[rule.Category] = append(buckets[rule.Category], node)
				matched = true
				break
			}
		}
		if !matched {
			report.Orphans = append(report.Orphans, node.ID)
		}
	}

	report.Categories = make([]ClusterHealth, 0, len(v.rules))
	for _, rule := range v.rules {
		health := v.categoryHealth(rule.Category, buckets[rule.Category])
		report.Categories = append(report.Categories, health)
		report.TotalNodes += health.Total
		report.TotalActive += health.Active
		if !health.QuorumValid {
			if health.Total == 0 {
				report.Violations = append(report.Violations, fmt.Sprintf("%s: %s has no members", scram.CodeCategoryHealth, rule.Category))
			} else {
				report.Violations = append(report.Violations, fmt.Sprintf("%s: %s %.2f%% < %.2f%%", scram.CodeCategoryHealth, rule.Category, health.HealthPct, v.threshold))
			}
		}
	}
	if report.TotalNodes > 0 {
		report.AggregatePct = float64(report.TotalActive) / float64(report.TotalNodes) * 100
	}
	report.QuorumValid = len(report.Violations) == 0

	v.history = append(v.history, report)
	v.recordValidation(ctx, report)

	if !report.QuorumValid {
		cause := v.causeFromReport(report)
		v.latch.Trip(cause)
		if latched, ok := v.latch.Cause(); ok {
			cause = latched
		}
		return report, scram.NewHaltError(cause)
	}
	return report, nil
}

// categoryHealth derives the health view of one category. A configured
// category with no members fails quorum: silence is indistinguishable from
// total loss.
func (v *Validator) categoryHealth(category string, nodes []swarm.NodeStatus) ClusterHealth {
	health := ClusterHealth{ClusterID: category, Total: len(nodes)}
	for _, node := range nodes {
		switch node.State {
		case swarm.StateActive:
			health.Active++
		case swarm.StateIdle:
			health.Idle++
		default:
			health.Offline++
		}
	}
	if health.Total > 0 {
		health.HealthPct = float64(health.Active) / float64(health.Total) * 100
		health.QuorumValid = health.HealthPct >= v.threshold
	}
	return health
}

func (v *Validator) causeFromReport(report Report) scram.Cause {
	metrics := make(map[string]float64, len(report.Categories)+1)
	for _, health := range report.Categories {
		metrics[health.ClusterID+"_health_pct"] = health.HealthPct
	}
	metrics["aggregate_pct"] = report.AggregatePct
	return scram.Cause{
		Code:       scram.CodeCategoryHealth,
		Protocol:   scram.ProtocolCategoryQuorum,
		Message:    report.Violations[0],
		Metrics:    metrics,
		Thresholds: map[string]float64{"threshold_pct": v.threshold},
		Violations: append([]string(nil), report.Violations...),
	}
}

// History returns the ordered reports produced so far.
func (v *Validator) History() []Report {
	return append([]Report(nil), v.history...)
}

// Report assembles the category quorum report document.
func (v *Validator) Report() scram.Document {
	doc := scram.Document{
		Protocol:       scram.ProtocolCategoryQuorum,
		GeneratedAt:    v.now(),
		Halted:         v.latch.Halted(),
		ScramTriggered: v.latch.Halted(),
		Thresholds:     map[string]float64{"threshold_pct": v.threshold},
		History:        v.History(),
	}
	if cause, ok := v.latch.Cause(); ok {
		doc.Cause = &cause
	}
	summary := map[string]any{
		"validations": len(v.history),
		"categories":  len(v.rules),
	}
	if len(v.history) > 0 {
		last := v.history[len(v.history)-1]
		summary["last_quorum_valid"] = last.QuorumValid
		summary["last_aggregate_pct"] = last.AggregatePct
	}
	doc.Summary = summary
	return doc
}

func (v *Validator) recordValidation(ctx context.Context, report Report) {
	result := "valid"
	level := observability.LevelInfo
	message := "all categories cleared quorum"
	if !report.QuorumValid {
		result = "violation"
		level = observability.LevelError
		message = "category below quorum threshold"
	}

	v.reporter.RecordMetric(observability.Metric{
		Name:        "quorum_validations_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Category quorum validation passes, labelled by result.",
		Labels:      map[string]string{"result": result},
	})

	fields := map[string]interface{}{
		"categories":    len(report.Categories),
		"total_nodes":   report.TotalNodes,
		"total_active":  report.TotalActive,
		"aggregate_pct": report.AggregatePct,
	}
	if len(report.Violations) > 0 {
		fields["violations"] = strings.Join(report.Violations, "; ")
	}
	v.reporter.RecordEvent(ctx, observability.Event{
		Timestamp: report.Timestamp,
		Level:     level,
		Protocol:  scram.ProtocolCategoryQuorum,
		Event:     "quorum_validated",
		Message:   message,
		Fields:    fields,
	})

	if len(report.Orphans) > 0 {
		v.reporter.RecordEvent(ctx, observability.Event{
			Timestamp: report.Timestamp,
			Level:     observability.LevelWarn,
			Protocol:  scram.ProtocolCategoryQuorum,
			Event:     "orphan_nodes",
			Message:   fmt.Sprintf("%d nodes match no category rule and were excluded", len(report.Orphans)),
			Fields: map[string]interface{}{
				"count": len(report.Orphans),
				"ids":   strings.Join(report.Orphans, ","),
			},
		})
	}
}
