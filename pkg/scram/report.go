package scram

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Protocol identifiers used in report documents and file names.
const (
	ProtocolSwarmConsensus  = "swarm_consensus"
	ProtocolCategoryQuorum  = "category_quorum"
	ProtocolTemporalBarrier = "temporal_barrier"
	ProtocolShadowSwap      = "shadow_swap"
)

const reportFileSuffix = "_report.json"

// Document is the serialized record every protocol produces on both clean
// completion and halt. It is a pure function of the protocol's accumulated
// state: thresholds from configuration, the ordered history of snapshots or
// reports, and the cause when the latch tripped.
type Document struct {
	Protocol       string             `json:"protocol"`
	GeneratedAt    time.Time          `json:"generated_at"`
	Halted         bool               `json:"halted"`
	ScramTriggered bool               `json:"scram_triggered"`
	Cause          *Cause             `json:"cause,omitempty"`
	Thresholds     map[string]float64 `json:"thresholds"`
	Summary        map[string]any     `json:"summary,omitempty"`
	History        any                `json:"history"`
}

// FileName returns the canonical report file name for a protocol identifier.
func FileName(protocol string) string {
	return protocol + reportFileSuffix
}

// WriteFile serializes the document into dir under its canonical file name
// and returns the written path.
func WriteFile(dir string, doc Document) (string, error) {
	protocol := strings.TrimSpace(doc.Protocol)
	if protocol == "" {
		return "", errors.New("report document requires a protocol identifier")
	}
	if doc.GeneratedAt.IsZero() {
		doc.GeneratedAt = time.Now().UTC()
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s report: %w", protocol, err)
	}
	payload = append(payload, '\n')

	path := filepath.Join(dir, FileName(protocol))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write %s report: %w", protocol, err)
	}
	return path, nil
}
