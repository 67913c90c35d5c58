package scram

import (
	"fmt"
	"io"
	"sort"
	"time"
)

const bannerRule = "============================================================"

// RenderBanner writes the operator-facing halt summary: the violation code,
// the protocol that tripped, and every measured value next to the threshold
// it was checked against. Keys are sorted so the output is stable.
func RenderBanner(w io.Writer, cause Cause) {
	fmt.Fprintln(w, bannerRule)
	fmt.Fprintln(w, " SCRAM: FAIL-CLOSED COORDINATION HALT")
	fmt.Fprintln(w, bannerRule)
	fmt.Fprintf(w, " protocol   : %s\n", cause.Protocol)
	fmt.Fprintf(w, " violation  : %s\n", cause.Code)
	fmt.Fprintf(w, " tripped_at : %s\n", cause.TrippedAt.UTC().Format(time.RFC3339Nano))
	if cause.Message != "" {
		fmt.Fprintf(w, " message    : %s\n", cause.Message)
	}
	if len(cause.Metrics) > 0 {
		fmt.Fprintln(w, " measured:")
		for _, key := range sortedFloatKeys(cause.Metrics) {
			fmt.Fprintf(w, "   %-28s %.4f\n", key, cause.Metrics[key])
		}
	}
	if len(cause.Thresholds) > 0 {
		fmt.Fprintln(w, " thresholds:")
		for _, key := range sortedFloatKeys(cause.Thresholds) {
			fmt.Fprintf(w, "   %-28s %.4f\n", key, cause.Thresholds[key])
		}
	}
	if len(cause.Violations) > 0 {
		fmt.Fprintln(w, " violations:")
		for _, violation := range cause.Violations {
			fmt.Fprintf(w, "   - %s\n", violation)
		}
	}
	fmt.Fprintln(w, bannerRule)
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
