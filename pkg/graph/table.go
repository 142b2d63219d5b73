package graph

import (
	"fmt"
	"slices"

	"pulse/pkg/state"
)

// NodeID names a state of the orchestration graph.
type NodeID string

const (
	NodeStart   NodeID = "start"
	NodePlanner NodeID = "planner"
	NodeCoder   NodeID = "coder"
	NodeTester  NodeID = "tester"
	NodeQA      NodeID = "qa"
	NodeEnd     NodeID = "end"
)

// String returns the string representation of NodeID.
func (n NodeID) String() string {
	return string(n)
}

// Table maps (state, mode) to the next state.
type Table map[NodeID]map[state.Mode]NodeID

// Transitions is the canonical transition table. Every row is total over
// state.Modes and End has no outgoing edges.
//
//nolint:gochecknoglobals // single source of truth for routing
var Transitions = Table{
	// Start dispatches questions to QA and everything else to Planner.
	NodeStart: {state.ModeAsk: NodeQA, state.ModePlan: NodePlanner, state.ModeAgent: NodePlanner},

	// Planner halts in plan mode for manual review of the plan.
	NodePlanner: {state.ModeAsk: NodeCoder, state.ModePlan: NodeEnd, state.ModeAgent: NodeCoder},

	NodeCoder:  {state.ModeAsk: NodeTester, state.ModePlan: NodeTester, state.ModeAgent: NodeTester},
	NodeTester: {state.ModeAsk: NodeEnd, state.ModePlan: NodeEnd, state.ModeAgent: NodeEnd},
	NodeQA:     {state.ModeAsk: NodeEnd, state.ModePlan: NodeEnd, state.ModeAgent: NodeEnd},
}

// Next returns the successor of from under mode.
func (t Table) Next(from NodeID, mode state.Mode) (NodeID, error) {
	row, ok := t[from]
	if !ok {
		return "", fmt.Errorf("no transitions from %s", from)
	}
	next, ok := row[mode]
	if !ok {
		return "", fmt.Errorf("no transition from %s for mode %q", from, mode)
	}
	return next, nil
}

// Route computes the full path for mode, excluding Start and ending with End.
func (t Table) Route(mode state.Mode) ([]NodeID, error) {
	var path []NodeID
	cur := NodeStart
	for cur != NodeEnd {
		next, err := t.Next(cur, mode)
		if err != nil {
			return nil, err
		}
		if slices.Contains(path, next) {
			return nil, fmt.Errorf("cycle at %s for mode %q", next, mode)
		}
		path = append(path, next)
		cur = next
	}
	return path, nil
}

// Validate checks the table is total over every mode, only targets known
// states, and contains no cycle under any combination of edges.
func (t Table) Validate() error {
	if _, ok := t[NodeStart]; !ok {
		return fmt.Errorf("transition table has no start state")
	}
	if _, ok := t[NodeEnd]; ok {
		return fmt.Errorf("end state must not have outgoing transitions")
	}
	for from, row := range t {
		for _, mode := range state.Modes {
			next, ok := row[mode]
			if !ok {
				return fmt.Errorf("state %s has no transition for mode %q", from, mode)
			}
			if _, known := t[next]; !known && next != NodeEnd {
				return fmt.Errorf("state %s routes to unknown state %s", from, next)
			}
		}
	}

	// Depth-first search for back edges.
	const (
		unvisited = iota
		inProgress
		done
	)
	marks := make(map[NodeID]int, len(t))
	var visit func(NodeID) error
	visit = func(n NodeID) error {
		switch marks[n] {
		case inProgress:
			return fmt.Errorf("transition table has a cycle through %s", n)
		case done:
			return nil
		}
		marks[n] = inProgress
		for _, next := range t[n] {
			if err := visit(next); err != nil {
				return err
			}
		}
		marks[n] = done
		return nil
	}
	return visit(NodeStart)
}

// States returns every state named by the table, End included.
func (t Table) States() []NodeID {
	seen := map[NodeID]bool{NodeEnd: true}
	for from, row := range t {
		seen[from] = true
		for _, to := range row {
			seen[to] = true
		}
	}
	out := make([]NodeID, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// RouteStart is the entry router.
func RouteStart(mode state.Mode) NodeID {
	next, _ := Transitions.Next(NodeStart, ResolveModeLenient(mode))
	return next
}

// RouteAfterPlanner is the exit router after Planner.
func RouteAfterPlanner(mode state.Mode) NodeID {
	next, _ := Transitions.Next(NodePlanner, ResolveModeLenient(mode))
	return next
}

// ResolveMode reports whether mode is recognized, returning the agent mode
// for anything that is not.
func ResolveMode(mode state.Mode) (state.Mode, bool) {
	if mode.Valid() {
		return mode, true
	}
	return state.ModeAgent, false
}

// ResolveModeLenient is ResolveMode without the recognition flag.
func ResolveModeLenient(mode state.Mode) state.Mode {
	m, _ := ResolveMode(mode)
	return m
}
