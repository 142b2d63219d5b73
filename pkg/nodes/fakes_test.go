package nodes

import (
	"context"
	"sync"

	"pulse/pkg/exec"
	"pulse/pkg/proto"
)

type planFunc func(ctx context.Context, req string) ([]string, error)

func (f planFunc) GeneratePlan(ctx context.Context, req string) ([]string, error) { return f(ctx, req) }

type patchFunc func(ctx context.Context, step, fileContext string) (proto.PatchPlan, error)

func (f patchFunc) GeneratePatch(ctx context.Context, step, fileContext string) (proto.PatchPlan, error) {
	return f(ctx, step, fileContext)
}

type commandFunc func(ctx context.Context, step string) (proto.CommandPlan, error)

func (f commandFunc) GenerateCommand(ctx context.Context, step string) (proto.CommandPlan, error) {
	return f(ctx, step)
}

// scriptedGate returns queued decisions in order and approves once the queue
// is empty.
type scriptedGate struct {
	mu        sync.Mutex
	decisions []proto.Decision
	patches   []proto.PatchPlan
	commands  []proto.CommandPlan
}

func (g *scriptedGate) next() proto.Decision {
	if len(g.decisions) == 0 {
		return proto.Approve()
	}
	d := g.decisions[0]
	g.decisions = g.decisions[1:]
	return d
}

func (g *scriptedGate) RequestPatchApproval(_ context.Context, plan proto.PatchPlan) proto.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patches = append(g.patches, plan)
	return g.next()
}

func (g *scriptedGate) RequestCommandApproval(_ context.Context, plan proto.CommandPlan) proto.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commands = append(g.commands, plan)
	return g.next()
}

type fakeExecutor struct {
	mu     sync.Mutex
	ran    []string
	dirs   []string
	result exec.Result
	err    error
}

func (f *fakeExecutor) Run(_ context.Context, cmdLine string, opts *exec.Opts) (exec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, cmdLine)
	f.dirs = append(f.dirs, opts.WorkDir)
	res := f.result
	res.Command = cmdLine
	return res, f.err
}

func (f *fakeExecutor) Name() string { return "fake" }

type searchFunc func(ctx context.Context, query string, k int) ([]proto.Document, error)

func (f searchFunc) Search(ctx context.Context, query string, k int) ([]proto.Document, error) {
	return f(ctx, query, k)
}

type answerFunc func(ctx context.Context, question, fileContext string) (string, error)

func (f answerFunc) Answer(ctx context.Context, question, fileContext string) (string, error) {
	return f(ctx, question, fileContext)
}

type validateFunc func(ctx context.Context, files []string) (map[string]any, error)

func (f validateFunc) Validate(ctx context.Context, files []string) (map[string]any, error) {
	return f(ctx, files)
}
