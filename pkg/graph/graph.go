// Package graph drives a workflow state through the Planner, Coder, Tester
// and QA nodes according to an enum-valued transition table.
package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"pulse/pkg/logx"
	"pulse/pkg/state"
)

var (
	// ErrUnknownMode is returned under strict routing for an unrecognized mode.
	ErrUnknownMode = errors.New("unknown workflow mode")

	// ErrNodePanic is returned when a node panics instead of returning a patch.
	ErrNodePanic = errors.New("node panicked")
)

// Node transforms a state into a patch. Implementations must not mutate the
// state they receive.
type Node interface {
	Run(ctx context.Context, s state.WorkflowState) state.Patch
}

// NodeFunc adapts a function to Node.
type NodeFunc func(ctx context.Context, s state.WorkflowState) state.Patch

// Run calls f.
func (f NodeFunc) Run(ctx context.Context, s state.WorkflowState) state.Patch {
	return f(ctx, s)
}

// Observer receives timing for nodes and runs (metrics).
type Observer interface {
	ObserveNode(node string, d time.Duration, failed bool)
	ObserveRun(mode string, outcome string, d time.Duration)
}

// Options configures a Graph.
type Options struct {
	// StrictRouting rejects unrecognized modes with ErrUnknownMode instead of
	// routing them down the agent path.
	StrictRouting bool

	// Table overrides Transitions. Tests use it to exercise validation.
	Table Table

	Observer Observer
}

// Transition is one recorded edge of a run.
type Transition struct {
	From NodeID        `json:"from"`
	To   NodeID        `json:"to"`
	Took time.Duration `json:"took"`
}

// Result is the outcome of Run. Visited excludes Start and, on success, ends
// with End.
type Result struct {
	State       state.WorkflowState `json:"state"`
	Mode        state.Mode          `json:"mode"`
	Visited     []NodeID            `json:"visited"`
	Transitions []Transition        `json:"transitions"`
}

// Graph is a compiled, validated orchestration graph.
type Graph struct {
	nodes  map[NodeID]Node
	table  Table
	opts   Options
	logger *logx.Logger
}

// New validates the table and checks that every reachable state has a node.
func New(nodes map[NodeID]Node, opts Options) (*Graph, error) {
	table := opts.Table
	if table == nil {
		table = Transitions
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transition table: %w", err)
	}
	for _, id := range table.States() {
		if id == NodeStart || id == NodeEnd {
			continue
		}
		if nodes[id] == nil {
			return nil, fmt.Errorf("no node bound for state %s", id)
		}
	}
	return &Graph{
		nodes:  nodes,
		table:  table,
		opts:   opts,
		logger: logx.NewLogger("graph"),
	}, nil
}

// Route returns the path a run in mode will take.
func (g *Graph) Route(mode state.Mode) ([]NodeID, error) {
	return g.table.Route(ResolveModeLenient(mode))
}

// Run executes the graph. The returned Result always holds the latest state,
// even when an error is returned.
func (g *Graph) Run(ctx context.Context, s state.WorkflowState) (Result, error) {
	start := time.Now()
	ctx = logx.WithRunID(ctx, s.RunID)

	mode, known := ResolveMode(s.Mode)
	res := Result{State: s.Clone(), Mode: mode, Visited: []NodeID{}, Transitions: []Transition{}}

	if !known {
		if g.opts.StrictRouting {
			g.observeRun(s.Mode, "rejected", start)
			return res, fmt.Errorf("%w: %q", ErrUnknownMode, s.Mode)
		}
		g.logger.Warn("Unrecognized mode %q, routing as %s", s.Mode, mode)
	}

	path, err := g.table.Route(mode)
	if err != nil {
		g.observeRun(mode, "error", start)
		return res, fmt.Errorf("failed to route mode %s: %w", mode, err)
	}
	logx.Debug(ctx, "graph", "Route for %s: %v", mode, path)

	prev := NodeStart
	for _, id := range path {
		if err := ctx.Err(); err != nil {
			g.observeRun(mode, "cancelled", start)
			return res, fmt.Errorf("run cancelled before %s: %w", id, err)
		}

		stepStart := time.Now()
		if id != NodeEnd {
			patch, err := g.runNode(ctx, id, res.State)
			g.observeNode(id, stepStart, err != nil)
			if err != nil {
				g.observeRun(mode, "error", start)
				return res, err
			}
			res.State = state.Merge(res.State, patch)
		}

		logx.DebugState(ctx, "graph", prev.String(), id.String())
		res.Visited = append(res.Visited, id)
		res.Transitions = append(res.Transitions, Transition{From: prev, To: id, Took: time.Since(stepStart)})
		prev = id
	}

	g.logger.Info("Run %s (%s) finished: %v", s.RunID, mode, res.Visited)
	g.observeRun(mode, "completed", start)
	return res, nil
}

func (g *Graph) runNode(ctx context.Context, id NodeID, s state.WorkflowState) (patch state.Patch, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Node %s panicked: %v\n%s", id, r, debug.Stack())
			patch = nil
			err = fmt.Errorf("%w: %s: %v", ErrNodePanic, id, r)
		}
	}()
	return g.nodes[id].Run(ctx, s.Clone()), nil
}

func (g *Graph) observeNode(id NodeID, start time.Time, failed bool) {
	if g.opts.Observer != nil {
		g.opts.Observer.ObserveNode(id.String(), time.Since(start), failed)
	}
}

func (g *Graph) observeRun(mode state.Mode, outcome string, start time.Time) {
	if g.opts.Observer != nil {
		g.opts.Observer.ObserveRun(mode.String(), outcome, time.Since(start))
	}
}
