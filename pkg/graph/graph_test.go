package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/pkg/proto"
	"pulse/pkg/state"
)

type recorder struct {
	mu  sync.Mutex
	ran []NodeID
}

func (r *recorder) node(id NodeID, patch state.Patch) Node {
	return NodeFunc(func(context.Context, state.WorkflowState) state.Patch {
		r.mu.Lock()
		r.ran = append(r.ran, id)
		r.mu.Unlock()
		return patch
	})
}

func testNodes(r *recorder) map[NodeID]Node {
	return map[NodeID]Node{
		NodePlanner: r.node(NodePlanner, state.PlannerPatch{Plan: []string{"Edit main.go"}}),
		NodeCoder:   r.node(NodeCoder, state.CoderPatch{FilesModified: []string{"main.go"}, FilesTouched: []string{"main.go"}}),
		NodeTester:  r.node(NodeTester, state.TesterPatch{TestResults: map[string]any{"status": "passed"}}),
		NodeQA:      r.node(NodeQA, state.QAPatch{Messages: []proto.Message{proto.AssistantMessage("answer")}}),
	}
}

func TestTransitionsValid(t *testing.T) {
	require.NoError(t, Transitions.Validate())
}

func TestTransitionTableExhaustive(t *testing.T) {
	want := map[NodeID]map[state.Mode]NodeID{
		NodeStart:   {state.ModeAsk: NodeQA, state.ModePlan: NodePlanner, state.ModeAgent: NodePlanner},
		NodePlanner: {state.ModeAsk: NodeCoder, state.ModePlan: NodeEnd, state.ModeAgent: NodeCoder},
		NodeCoder:   {state.ModeAsk: NodeTester, state.ModePlan: NodeTester, state.ModeAgent: NodeTester},
		NodeTester:  {state.ModeAsk: NodeEnd, state.ModePlan: NodeEnd, state.ModeAgent: NodeEnd},
		NodeQA:      {state.ModeAsk: NodeEnd, state.ModePlan: NodeEnd, state.ModeAgent: NodeEnd},
	}

	for from, row := range want {
		for mode, to := range row {
			got, err := Transitions.Next(from, mode)
			require.NoError(t, err)
			assert.Equal(t, to, got, "%s under %s", from, mode)
		}
	}

	_, err := Transitions.Next(NodeEnd, state.ModeAgent)
	assert.Error(t, err)
}

func TestRouteStart(t *testing.T) {
	tests := []struct {
		mode state.Mode
		want NodeID
	}{
		{state.ModeAsk, NodeQA},
		{state.ModePlan, NodePlanner},
		{state.ModeAgent, NodePlanner},
		{"", NodePlanner},
		{"chat", NodePlanner},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.want, RouteStart(tt.mode))
		})
	}
}

func TestRouteAfterPlanner(t *testing.T) {
	assert.Equal(t, NodeEnd, RouteAfterPlanner(state.ModePlan))
	assert.Equal(t, NodeCoder, RouteAfterPlanner(state.ModeAgent))
	assert.Equal(t, NodeCoder, RouteAfterPlanner("unknown"))
}

func TestRunVisitedSequences(t *testing.T) {
	tests := []struct {
		mode    state.Mode
		request string
		visited []NodeID
	}{
		{state.ModeAsk, "", []NodeID{NodeQA, NodeEnd}},
		{state.ModeAsk, "what does main do?", []NodeID{NodeQA, NodeEnd}},
		{state.ModePlan, "add flag", []NodeID{NodePlanner, NodeEnd}},
		{state.ModeAgent, "add flag", []NodeID{NodePlanner, NodeCoder, NodeTester, NodeEnd}},
		{"", "add flag", []NodeID{NodePlanner, NodeCoder, NodeTester, NodeEnd}},
		{"yolo", "add flag", []NodeID{NodePlanner, NodeCoder, NodeTester, NodeEnd}},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.request, func(t *testing.T) {
			r := &recorder{}
			g, err := New(testNodes(r), Options{})
			require.NoError(t, err)

			res, err := g.Run(context.Background(), state.New(tt.mode, tt.request, t.TempDir()))
			require.NoError(t, err)
			assert.Equal(t, tt.visited, res.Visited)
			assert.Equal(t, tt.visited[:len(tt.visited)-1], r.ran)
			require.Len(t, res.Transitions, len(tt.visited))
			assert.Equal(t, NodeStart, res.Transitions[0].From)
		})
	}
}

func TestRunMergesPatches(t *testing.T) {
	g, err := New(testNodes(&recorder{}), Options{})
	require.NoError(t, err)

	in := state.New(state.ModeAgent, "add flag", "")
	res, err := g.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{"Edit main.go"}, res.State.Plan)
	assert.Equal(t, []string{"main.go"}, res.State.FilesModified)
	assert.Equal(t, "passed", res.State.TestStatus())
	assert.Empty(t, in.Plan)
}

func TestRunPlanModeSkipsCoder(t *testing.T) {
	r := &recorder{}
	g, err := New(testNodes(r), Options{})
	require.NoError(t, err)

	res, err := g.Run(context.Background(), state.New(state.ModePlan, "x", ""))
	require.NoError(t, err)
	assert.NotContains(t, r.ran, NodeCoder)
	assert.NotContains(t, r.ran, NodeTester)
	assert.Empty(t, res.State.FilesModified)
}

func TestStrictRoutingRejectsUnknownMode(t *testing.T) {
	r := &recorder{}
	g, err := New(testNodes(r), Options{StrictRouting: true})
	require.NoError(t, err)

	in := state.New("bogus", "x", "")
	res, err := g.Run(context.Background(), in)
	require.ErrorIs(t, err, ErrUnknownMode)
	assert.Empty(t, r.ran)
	assert.Empty(t, res.Visited)
	assert.Equal(t, in.RunID, res.State.RunID)
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &recorder{}
	nodes := testNodes(r)
	nodes[NodePlanner] = NodeFunc(func(context.Context, state.WorkflowState) state.Patch {
		cancel()
		return state.PlannerPatch{Plan: []string{"step"}}
	})

	g, err := New(nodes, Options{})
	require.NoError(t, err)

	res, err := g.Run(ctx, state.New(state.ModeAgent, "x", ""))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []NodeID{NodePlanner}, res.Visited)
	assert.Equal(t, []string{"step"}, res.State.Plan)
	assert.Empty(t, r.ran)
}

func TestRunRecoversPanic(t *testing.T) {
	nodes := testNodes(&recorder{})
	nodes[NodeCoder] = NodeFunc(func(context.Context, state.WorkflowState) state.Patch {
		panic("boom")
	})

	g, err := New(nodes, Options{})
	require.NoError(t, err)

	res, err := g.Run(context.Background(), state.New(state.ModeAgent, "x", ""))
	require.ErrorIs(t, err, ErrNodePanic)
	assert.Equal(t, []NodeID{NodePlanner}, res.Visited)
}

func TestNodesReceiveCopies(t *testing.T) {
	nodes := testNodes(&recorder{})
	nodes[NodeCoder] = NodeFunc(func(_ context.Context, s state.WorkflowState) state.Patch {
		s.Plan[0] = "tampered"
		return nil
	})

	g, err := New(nodes, Options{})
	require.NoError(t, err)

	res, err := g.Run(context.Background(), state.New(state.ModeAgent, "x", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"Edit main.go"}, res.State.Plan)
}

func TestValidateRejectsBadTables(t *testing.T) {
	cyclic := Table{
		NodeStart:   {state.ModeAsk: NodePlanner, state.ModePlan: NodePlanner, state.ModeAgent: NodePlanner},
		NodePlanner: {state.ModeAsk: NodeCoder, state.ModePlan: NodeEnd, state.ModeAgent: NodeCoder},
		NodeCoder:   {state.ModeAsk: NodePlanner, state.ModePlan: NodeEnd, state.ModeAgent: NodeEnd},
	}
	assert.ErrorContains(t, cyclic.Validate(), "cycle")

	partial := Table{
		NodeStart: {state.ModeAsk: NodeEnd, state.ModePlan: NodeEnd},
	}
	assert.ErrorContains(t, partial.Validate(), "no transition")

	dangling := Table{
		NodeStart: {state.ModeAsk: NodeEnd, state.ModePlan: NodeEnd, state.ModeAgent: "reviewer"},
	}
	assert.ErrorContains(t, dangling.Validate(), "unknown state")

	_, err := New(testNodes(&recorder{}), Options{Table: cyclic})
	assert.Error(t, err)
}

func TestNewRequiresEveryNode(t *testing.T) {
	nodes := testNodes(&recorder{})
	delete(nodes, NodeTester)

	_, err := New(nodes, Options{})
	assert.ErrorContains(t, err, "tester")
}

func TestRoute(t *testing.T) {
	g, err := New(testNodes(&recorder{}), Options{})
	require.NoError(t, err)

	path, err := g.Route(state.ModePlan)
	require.NoError(t, err)
	assert.Equal(t, []NodeID{NodePlanner, NodeEnd}, path)
}

type fakeObserver struct {
	nodes []string
	runs  []string
}

func (f *fakeObserver) ObserveNode(node string, _ time.Duration, _ bool) {
	f.nodes = append(f.nodes, node)
}

func (f *fakeObserver) ObserveRun(mode, outcome string, _ time.Duration) {
	f.runs = append(f.runs, mode+":"+outcome)
}

func TestObserver(t *testing.T) {
	obs := &fakeObserver{}
	g, err := New(testNodes(&recorder{}), Options{Observer: obs})
	require.NoError(t, err)

	_, err = g.Run(context.Background(), state.New(state.ModeAsk, "q", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"qa"}, obs.nodes)
	assert.Equal(t, []string{"ask:completed"}, obs.runs)
}
