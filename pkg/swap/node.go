// Package swap replaces one worker node with a shadow replica without ever
// reducing serving capacity. The shadow boots alongside the node it replaces
// and must prove READY before the original gives up traffic; a shadow that
// misses its ready deadline, or a swap attempted out of lifecycle order, is a
// correctness emergency that halts the whole coordination layer.
package swap

import (
	"fmt"
	"time"
)

// NodeState enumerates the lifecycle of a node under replacement. States only
// ever advance; there is no path back from a later state to an earlier one.
type NodeState string

const (
	StateInitializing NodeState = "INITIALIZING"
	StateReady        NodeState = "READY"
	StateActive       NodeState = "ACTIVE"
	StateDraining     NodeState = "DRAINING"
	StateTerminated   NodeState = "TERMINATED"
)

// stateRank orders the lifecycle. Transitions must move exactly one rank
// forward: skipping a state would hide the interval during which the swap
// safety argument depends on it.
var stateRank = map[NodeState]int{
	StateInitializing: 0,
	StateReady:        1,
	StateActive:       2,
	StateDraining:     3,
	StateTerminated:   4,
}

// Node is the lifecycle record for one worker involved in a replacement. The
// orchestrator owns the record for the duration of the swap; the old node and
// its shadow co-exist until the swap completes.
type Node struct {
	NodeID       string     `json:"node_id"`
	State        NodeState  `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	ReadyAt      *time.Time `json:"ready_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
	IsShadow     bool       `json:"is_shadow"`
}

// NewShadow creates the replacement replica in INITIALIZING state.
func NewShadow(id string, at time.Time) *Node {
	return &Node{
		NodeID:    id,
		State:     StateInitializing,
		CreatedAt: at,
		IsShadow:  true,
	}
}

// NewActive models an in-service node that is about to be replaced. It enters
// the lifecycle at ACTIVE: the states before it belong to the node's original
// boot, which happened outside this swap.
func NewActive(id string, at time.Time) *Node {
	return &Node{
		NodeID:    id,
		State:     StateActive,
		CreatedAt: at,
	}
}

// Transition advances the node one lifecycle state. Any skip, reversal, or
// repeat is rejected; READY and TERMINATED stamp their timestamps.
func (n *Node) Transition(to NodeState, at time.Time) error {
	fromRank, ok := stateRank[n.State]
	if !ok {
		return fmt.Errorf("node %s: unknown state %q", n.NodeID, n.State)
	}
	toRank, ok := stateRank[to]
	if !ok {
		return fmt.Errorf("node %s: unknown target state %q", n.NodeID, to)
	}
	if toRank != fromRank+1 {
		return fmt.Errorf("node %s: illegal transition %s -> %s", n.NodeID, n.State, to)
	}

	n.State = to
	switch to {
	case StateReady:
		ts := at
		n.ReadyAt = &ts
	case StateTerminated:
		ts := at
		n.TerminatedAt = &ts
	}
	return nil
}

// Clone returns a copy safe to hand to booters and reports.
func (n *Node) Clone() Node {
	clone := *n
	if n.ReadyAt != nil {
		ts := *n.ReadyAt
		clone.ReadyAt = &ts
	}
	if n.TerminatedAt != nil {
		ts := *n.TerminatedAt
		clone.TerminatedAt = &ts
	}
	return clone
}
