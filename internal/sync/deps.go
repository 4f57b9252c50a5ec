package sync

import (
	stdsync "sync"
)

// Outcome is the terminal state a pipeline item reports for a dependency
// edge. Edges are tagged variants {parent, child, state} rather than node
// subtypes.
type Outcome int

// Edge states. Pending edges gate their parent; Failed edges poison it.
const (
	OutcomePending Outcome = iota
	OutcomeSucceed
	OutcomeFail
	OutcomeRetry
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceed:
		return "succeed"
	case OutcomeFail:
		return "fail"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Dependencies tracks parent-waits-for-child relations between canonical
// names. Edges only ever point from a folder to an item strictly beneath
// it, so the graph is acyclic by construction. It is the only gate for
// deletion ordering: a folder deletion is processed only when the graph
// reports the folder ready. Safe for concurrent use.
type Dependencies struct {
	mu       stdsync.Mutex
	children map[string]map[string]Outcome // parent key → child key → edge state
}

// NewDependencies creates an empty graph.
func NewDependencies() *Dependencies {
	return &Dependencies{
		children: make(map[string]map[string]Outcome),
	}
}

// Add inserts the edge parent→child. Idempotent; re-adding an existing
// edge resets it to pending.
func (d *Dependencies) Add(parent, child string) {
	if parent == "" || parent == child {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	edges, ok := d.children[parent]
	if !ok {
		edges = make(map[string]Outcome)
		d.children[parent] = edges
	}

	edges[child] = OutcomePending
}

// Remove records the outcome of a child under parent. Succeed drops the
// edge; Fail marks it poisoned (the parent must not be processed); Retry
// leaves the edge pending so the parent keeps waiting for the re-queued
// child. Unknown edges are ignored.
func (d *Dependencies) Remove(parent, child string, outcome Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	edges, ok := d.children[parent]
	if !ok {
		return
	}

	if _, ok := edges[child]; !ok {
		return
	}

	switch outcome {
	case OutcomeSucceed:
		delete(edges, child)
	case OutcomeFail:
		edges[child] = OutcomeFail
	case OutcomePending, OutcomeRetry:
		edges[child] = OutcomePending
	}

	if len(edges) == 0 {
		delete(d.children, parent)
	}
}

// Release drops every edge under parent as if each child had succeeded.
// Used for tentative parents that will never be processed themselves.
func (d *Dependencies) Release(parent string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.children, parent)
}

// DependenciesOf returns the child keys parent is still waiting on, in
// unspecified order.
func (d *Dependencies) DependenciesOf(parent string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	edges := d.children[parent]
	if len(edges) == 0 {
		return nil
	}

	keys := make([]string, 0, len(edges))
	for child := range edges {
		keys = append(keys, child)
	}

	return keys
}

// IsReady reports whether parent has no pending children. A parent with
// only failed edges is "ready" in the sense that waiting longer cannot
// help; callers check Poisoned before acting.
func (d *Dependencies) IsReady(parent string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, state := range d.children[parent] {
		if state == OutcomePending {
			return false
		}
	}

	return true
}

// Poisoned reports whether any child of parent failed.
func (d *Dependencies) Poisoned(parent string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, state := range d.children[parent] {
		if state == OutcomeFail {
			return true
		}
	}

	return false
}

// Empty reports whether the graph holds no pending edges. Failed edges
// don't count: they poison their parent but cannot gate a requeued
// triplet. Together with a closed triplet queue this is the processor's
// termination condition.
func (d *Dependencies) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, edges := range d.children {
		for _, state := range edges {
			if state == OutcomePending {
				return false
			}
		}
	}

	return true
}

// Merge copies every edge of other into d. Used to fold the remote
// crawler's private graph into the main one for remote-only folders.
func (d *Dependencies) Merge(other *Dependencies, parent string) {
	other.mu.Lock()
	edges := make([]string, 0, len(other.children[parent]))

	for child := range other.children[parent] {
		edges = append(edges, child)
	}
	other.mu.Unlock()

	for _, child := range edges {
		d.Add(parent, child)
	}
}
