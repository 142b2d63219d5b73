package nodes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/pkg/approval"
	"pulse/pkg/exec"
	"pulse/pkg/proto"
	"pulse/pkg/state"
)

const helloDiff = "--- a/hello.txt\n+++ b/hello.txt\n@@ -1,1 +1,1 @@\n-hello\n+hello, world\n"

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func agentState(ws string, plan ...string) state.WorkflowState {
	s := state.New(state.ModeAgent, "req", ws)
	s.Plan = plan
	return s
}

func coderPatch(t *testing.T, p state.Patch) state.CoderPatch {
	t.Helper()
	cp, ok := p.(state.CoderPatch)
	require.True(t, ok, "expected CoderPatch, got %T", p)
	return cp
}

func helloGenerator() PatchGenerator {
	return patchFunc(func(context.Context, string, string) (proto.PatchPlan, error) {
		return proto.PatchPlan{FilePath: "hello.txt", Diff: helloDiff, Rationale: "greet"}, nil
	})
}

func TestCoderAppliesApprovedPatch(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "hello.txt", "hello\n")
	gates := approval.NewGates(approval.Static{Decision: proto.Approve()}, approval.Options{})

	coder := NewCoder(helloGenerator(), nil, gates, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(ws, "Greet the world")))

	assert.Equal(t, []string{"hello.txt"}, cp.FilesModified)
	assert.Equal(t, []string{"hello.txt"}, cp.FilesTouched)
	assert.Contains(t, cp.CodeChanges, "+hello, world")
	assert.Empty(t, cp.Feedback)
	assert.Equal(t, "hello, world\n", readFile(t, ws, "hello.txt"))
}

func TestCoderDeniedPatchIsNotApplied(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "hello.txt", "hello\n")
	gates := approval.NewGates(approval.Static{Decision: proto.Deny("keep it short")}, approval.Options{})

	coder := NewCoder(helloGenerator(), nil, gates, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(ws, "Greet the world")))

	assert.Empty(t, cp.FilesModified)
	assert.Equal(t, []string{"hello.txt"}, cp.FilesTouched)
	assert.Equal(t, "hello.txt: keep it short", cp.Feedback)
	assert.Equal(t, "hello\n", readFile(t, ws, "hello.txt"))
}

func TestCoderMixedDecisions(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "a.txt", "a\n")
	writeFile(t, ws, "b.txt", "b\n")

	gen := patchFunc(func(_ context.Context, step, _ string) (proto.PatchPlan, error) {
		name := strings.Fields(step)[1]
		base := strings.TrimSuffix(name, ".txt")
		return proto.PatchPlan{FilePath: name, Diff: "@@ -1,1 +1,1 @@\n-" + base + "\n+" + strings.ToUpper(base) + "\n"}, nil
	})
	gate := &scriptedGate{decisions: []proto.Decision{proto.Deny(""), proto.Approve()}}

	coder := NewCoder(gen, nil, gate, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(ws, "Edit a.txt", "Edit b.txt")))

	assert.Equal(t, []string{"b.txt"}, cp.FilesModified)
	assert.Equal(t, []string{"a.txt", "b.txt"}, cp.FilesTouched)
	assert.Equal(t, "a.txt: denied", cp.Feedback)
	assert.Equal(t, "a\n", readFile(t, ws, "a.txt"))
	assert.Equal(t, "B\n", readFile(t, ws, "b.txt"))
}

func TestCoderRetriesWithFeedback(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "hello.txt", "hello\n")

	var prompts []string
	gen := patchFunc(func(_ context.Context, step, _ string) (proto.PatchPlan, error) {
		prompts = append(prompts, step)
		return proto.PatchPlan{FilePath: "hello.txt", Diff: helloDiff}, nil
	})
	gate := &scriptedGate{decisions: []proto.Decision{proto.Deny("add a comma")}}

	coder := NewCoder(gen, nil, gate, nil, CoderOptions{MaxPatchAttempts: 2})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(ws, "Greet")))

	require.Len(t, prompts, 2)
	assert.Equal(t, "Greet", prompts[0])
	assert.Contains(t, prompts[1], "add a comma")
	assert.Equal(t, []string{"hello.txt"}, cp.FilesModified)
	assert.Len(t, gate.patches, 2)
}

// A denial excludes the denied plan's change. A later approved plan for the
// same path is applied and reported.
func TestCoderDenialIsPerPlan(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "hello.txt", "hello\n")

	gen := patchFunc(func(_ context.Context, step, _ string) (proto.PatchPlan, error) {
		if strings.HasPrefix(step, "Shout") {
			return proto.PatchPlan{FilePath: "hello.txt", Diff: "@@ -1,1 +1,1 @@\n-hello\n+HELLO\n"}, nil
		}
		return proto.PatchPlan{FilePath: "hello.txt", Diff: helloDiff}, nil
	})
	gate := &scriptedGate{decisions: []proto.Decision{proto.Deny("no"), proto.Approve()}}

	coder := NewCoder(gen, nil, gate, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(ws, "Shout hello", "Greet the world")))

	require.Len(t, gate.patches, 2)
	assert.Equal(t, []string{"hello.txt"}, cp.FilesModified)
	assert.Equal(t, "hello.txt: no", cp.Feedback)
	assert.Equal(t, "hello, world\n", readFile(t, ws, "hello.txt"))
	assert.NotContains(t, cp.CodeChanges, "HELLO")
}

func TestCoderDefaultIsSingleAttempt(t *testing.T) {
	calls := 0
	gen := patchFunc(func(context.Context, string, string) (proto.PatchPlan, error) {
		calls++
		return proto.PatchPlan{FilePath: "x.txt", Diff: "+x\n"}, nil
	})
	gate := &scriptedGate{decisions: []proto.Decision{proto.Deny("no")}}

	coder := NewCoder(gen, nil, gate, nil, CoderOptions{})
	coder.Run(context.Background(), agentState(t.TempDir(), "Make x"))
	assert.Equal(t, 1, calls)
}

func TestCoderRejectsPathEscape(t *testing.T) {
	gen := patchFunc(func(context.Context, string, string) (proto.PatchPlan, error) {
		return proto.PatchPlan{FilePath: "../../etc/passwd", Diff: "+root\n"}, nil
	})
	gate := &scriptedGate{}

	coder := NewCoder(gen, nil, gate, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(t.TempDir(), "Own the box")))

	assert.Empty(t, gate.patches)
	assert.Empty(t, cp.FilesModified)
	assert.Contains(t, cp.Feedback, "path escapes workspace")
}

func TestCoderSkipsErrorEntries(t *testing.T) {
	calls := 0
	gen := patchFunc(func(context.Context, string, string) (proto.PatchPlan, error) {
		calls++
		return proto.PatchPlan{}, nil
	})
	coder := NewCoder(gen, nil, &scriptedGate{}, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(t.TempDir(), "Error: Planner generated an empty plan")))

	assert.Zero(t, calls)
	assert.Empty(t, cp.FilesTouched)
}

func TestCoderGenerationErrorIsData(t *testing.T) {
	gen := patchFunc(func(context.Context, string, string) (proto.PatchPlan, error) {
		return proto.PatchPlan{}, errors.New("model unavailable")
	})
	coder := NewCoder(gen, nil, &scriptedGate{}, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(t.TempDir(), "Edit")))

	assert.Contains(t, cp.CodeChanges, "model unavailable")
	assert.Empty(t, cp.FilesModified)
}

func TestCoderHunkMismatchNotModified(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "hello.txt", "goodbye\n")

	coder := NewCoder(helloGenerator(), nil, &scriptedGate{}, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(ws, "Greet")))

	assert.Empty(t, cp.FilesModified)
	assert.Contains(t, cp.CodeChanges, "Error applying patch")
	assert.Equal(t, "goodbye\n", readFile(t, ws, "hello.txt"))
}

func TestCoderCreatesNewFile(t *testing.T) {
	ws := t.TempDir()
	gen := patchFunc(func(context.Context, string, string) (proto.PatchPlan, error) {
		return proto.PatchPlan{FilePath: "pkg/new.go", Diff: "--- /dev/null\n+++ b/pkg/new.go\n@@ -0,0 +1,1 @@\n+package pkg\n"}, nil
	})
	coder := NewCoder(gen, nil, &scriptedGate{}, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(ws, "Create pkg")))

	assert.Equal(t, []string{"pkg/new.go"}, cp.FilesModified)
	assert.Equal(t, "package pkg\n", readFile(t, ws, "pkg/new.go"))
}

func TestCoderDeniedHighRiskCommandNeverRuns(t *testing.T) {
	cmds := commandFunc(func(context.Context, string) (proto.CommandPlan, error) {
		return proto.CommandPlan{Command: "rm -rf /tmp/build", Rationale: "clean", RiskLabel: proto.RiskHigh}, nil
	})
	gates := approval.NewGates(approval.Static{Decision: proto.Deny("looks destructive")}, approval.Options{})
	executor := &fakeExecutor{}

	coder := NewCoder(nil, cmds, gates, executor, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(t.TempDir(), "Run the cleanup")))

	assert.Empty(t, executor.ran)
	assert.Equal(t, "$ rm -rf /tmp/build: looks destructive", cp.Feedback)
}

func TestCoderApprovedCommandRunsInWorkspace(t *testing.T) {
	ws := t.TempDir()
	gate := &scriptedGate{}
	executor := &fakeExecutor{result: exec.Result{Stdout: "ok"}}

	coder := NewCoder(nil, nil, gate, executor, CoderOptions{})
	cp := coderPatch(t, coder.Run(context.Background(), agentState(ws, "$ go test ./...")))

	require.Len(t, gate.commands, 1)
	assert.Equal(t, "go test ./...", gate.commands[0].Command)
	assert.Equal(t, proto.RiskMedium, gate.commands[0].RiskLabel)
	assert.Equal(t, []string{"go test ./..."}, executor.ran)
	assert.Equal(t, []string{ws}, executor.dirs)
	assert.Contains(t, cp.CodeChanges, "$ go test ./... (exit 0)")
}

func TestCoderGeneratorClassifiedCommand(t *testing.T) {
	gen := patchFunc(func(context.Context, string, string) (proto.PatchPlan, error) {
		return proto.PatchPlan{}, ErrCommandStep
	})
	cmds := commandFunc(func(context.Context, string) (proto.CommandPlan, error) {
		return proto.CommandPlan{Command: "make generate", RiskLabel: proto.RiskLow}, nil
	})
	executor := &fakeExecutor{}

	coder := NewCoder(gen, cmds, &scriptedGate{}, executor, CoderOptions{})
	coder.Run(context.Background(), agentState(t.TempDir(), "Regenerate the mocks"))

	assert.Equal(t, []string{"make generate"}, executor.ran)
}

func TestCoderStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	gen := patchFunc(func(context.Context, string, string) (proto.PatchPlan, error) {
		calls++
		return proto.PatchPlan{}, nil
	})
	coder := NewCoder(gen, nil, &scriptedGate{}, nil, CoderOptions{})
	cp := coderPatch(t, coder.Run(ctx, agentState(t.TempDir(), "a", "b")))

	assert.Zero(t, calls)
	assert.Contains(t, cp.Feedback, "cancelled")
}

func TestIsCommandStep(t *testing.T) {
	assert.True(t, isCommandStep("Run go test ./..."))
	assert.True(t, isCommandStep("install the dependencies"))
	assert.True(t, isCommandStep("$ make"))
	assert.False(t, isCommandStep("Runtime config: add a flag"))
	assert.Equal(t, "go vet", stripCommandPrefix("Execute go vet"))
}

func TestResolveInWorkspace(t *testing.T) {
	ws := t.TempDir()

	got, err := resolveInWorkspace(ws, "a/b.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "a", "b.go"), got)

	for _, bad := range []string{"../x", "/etc/passwd", ".", "a/../../x", ""} {
		_, err := resolveInWorkspace(ws, bad)
		assert.Error(t, err, bad)
	}
}
