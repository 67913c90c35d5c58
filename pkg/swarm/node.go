package swarm

import (
	"fmt"
	"time"
)

// NodeState enumerates the lifecycle states tracked per worker.
type NodeState string

const (
	StateIdle    NodeState = "IDLE"
	StateActive  NodeState = "ACTIVE"
	StateOffline NodeState = "OFFLINE"
	StateHalted  NodeState = "HALTED"
)

// NodeStatus is a point-in-time view of one worker. Snapshots are copies: the
// tracker remains the single writer of the underlying table.
type NodeStatus struct {
	ID             string    `json:"id"`
	State          NodeState `json:"state"`
	LastSeen       time.Time `json:"last_seen"`
	TaskID         string    `json:"task_id,omitempty"`
	HeartbeatCount uint64    `json:"heartbeat_count"`
}

// arena stores the node table as parallel columns indexed by a stable integer
// handle. Handles are assigned in registration order and never reused, which
// keeps the hot heartbeat scan free of map iteration and string hashing.
type arena struct {
	ids        []string
	states     []NodeState
	lastSeen   []time.Time
	taskIDs    []string
	heartbeats []uint64
	index      map[string]int
}

func newArena(capacity int) *arena {
	if capacity < 0 {
		capacity = 0
	}
	return &arena{
		ids:        make([]string, 0, capacity),
		states:     make([]NodeState, 0, capacity),
		lastSeen:   make([]time.Time, 0, capacity),
		taskIDs:    make([]string, 0, capacity),
		heartbeats: make([]uint64, 0, capacity),
		index:      make(map[string]int, capacity),
	}
}

// add registers a node and returns its handle. Duplicate ids are rejected so
// fleet layout mistakes surface at initialization, not mid-run.
func (a *arena) add(id string, seen time.Time) (int, error) {
	if _, exists := a.index[id]; exists {
		return 0, fmt.Errorf("node id %q registered twice", id)
	}
	handle := len(a.ids)
	a.ids = append(a.ids, id)
	a.states = append(a.states, StateIdle)
	a.lastSeen = append(a.lastSeen, seen)
	a.taskIDs = append(a.taskIDs, "")
	a.heartbeats = append(a.heartbeats, 0)
	a.index[id] = handle
	return handle, nil
}

func (a *arena) len() int { return len(a.ids) }

func (a *arena) handle(id string) (int, bool) {
	h, ok := a.index[id]
	return h, ok
}

// snapshot copies the table into immutable NodeStatus rows in handle order.
func (a *arena) snapshot() []NodeStatus {
	nodes := make([]NodeStatus, len(a.ids))
	for h := range a.ids {
		nodes[h] = NodeStatus{
			ID:             a.ids[h],
			State:          a.states[h],
			LastSeen:       a.lastSeen[h],
			TaskID:         a.taskIDs[h],
			HeartbeatCount: a.heartbeats[h],
		}
	}
	return nodes
}

// stateCounts tallies the table by state.
func (a *arena) stateCounts() map[NodeState]int {
	counts := make(map[NodeState]int, 4)
	for _, state := range a.states {
		counts[state]++
	}
	return counts
}

// markAllHalted freezes every node. Used exclusively by the halt path.
func (a *arena) markAllHalted() {
	for h := range a.states {
		a.states[h] = StateHalted
	}
}
