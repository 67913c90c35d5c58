package quorum

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/google/go-cmp/cmp"

	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
	"github.com/swarmcoordd/swarmcoordd/pkg/swarm"
)

var propertyCategories = []Rule{
	{Category: "gpu", Prefix: "gpu-"},
	{Category: "cpu", Prefix: "cpu-"},
	{Category: "tpu", Prefix: "tpu-"},
}

func fleetFor(totals, offline []int) []swarm.NodeStatus {
	var nodes []swarm.NodeStatus
	for i, rule := range propertyCategories {
		down := offline[i]
		if down > totals[i] {
			down = totals[i]
		}
		nodes = append(nodes, makeNodes(rule.Prefix, totals[i], totals[i]-down)...)
	}
	return nodes
}

// Quorum validity must be the conjunction of per-category checks: no
// combination of category healths may pass through averaging.
func TestPropertyQuorumIsConjunction(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(1)

	properties := gopter.NewProperties(parameters)

	genTotals := gen.SliceOfN(len(propertyCategories), gen.IntRange(1, 40))
	genOffline := gen.SliceOfN(len(propertyCategories), gen.IntRange(0, 40))

	properties.Property("valid iff every category clears threshold", prop.ForAll(
		func(totals, offline []int) bool {
			nodes := fleetFor(totals, offline)
			v, err := NewValidatorForRules(propertyCategories, 95.0, scram.NewLatch(), WithTimeSource(fixedTime))
			if err != nil {
				t.Logf("new validator: %v", err)
				return false
			}

			report, verr := v.Validate(context.Background(), nodes)

			expectedViolations := 0
			for i, total := range totals {
				down := offline[i]
				if down > total {
					down = total
				}
				healthPct := float64(total-down) / float64(total) * 100
				if healthPct < 95.0 {
					expectedViolations++
				}
			}

			if report.QuorumValid != (expectedViolations == 0) {
				t.Logf("validity mismatch: totals %v offline %v report %+v", totals, offline, report)
				return false
			}
			if len(report.Violations) != expectedViolations {
				t.Logf("violation count mismatch: want %d got %v", expectedViolations, report.Violations)
				return false
			}
			if report.QuorumValid && verr != nil {
				t.Logf("unexpected error on valid quorum: %v", verr)
				return false
			}
			if !report.QuorumValid {
				if _, ok := scram.AsHalt(verr); !ok {
					t.Logf("expected halt error, got %v", verr)
					return false
				}
			}
			return true
		},
		genTotals,
		genOffline,
	))

	properties.Property("identical inputs produce identical reports", prop.ForAll(
		func(totals, offline []int) bool {
			nodes := fleetFor(totals, offline)
			run := func() Report {
				v, err := NewValidatorForRules(propertyCategories, 95.0, scram.NewLatch(), WithTimeSource(fixedTime))
				if err != nil {
					t.Fatalf("new validator: %v", err)
				}
				report, _ := v.Validate(context.Background(), nodes)
				return report
			}
			if diff := cmp.Diff(run(), run()); diff != "" {
				t.Logf("reports diverged:\n%s", diff)
				return false
			}
			return true
		},
		genTotals,
		genOffline,
	))

	properties.TestingRun(t)
}
