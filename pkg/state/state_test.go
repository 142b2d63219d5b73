package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/pkg/proto"
)

func TestNewHasEmptyDefaults(t *testing.T) {
	s := New(ModeAgent, "fix the bug", "/ws")

	assert.NotEmpty(t, s.RunID)
	assert.NotNil(t, s.Plan)
	assert.NotNil(t, s.Messages)
	assert.NotNil(t, s.FilesModified)
	assert.NotNil(t, s.FilesTouched)
	assert.NotNil(t, s.TestResults)
	assert.Empty(t, s.CodeChanges)
	assert.Empty(t, s.FileContext)
	assert.Empty(t, s.Feedback)

	assert.NotEqual(t, s.RunID, New(ModeAgent, "fix the bug", "/ws").RunID)
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeAsk.Valid())
	assert.True(t, ModePlan.Valid())
	assert.True(t, ModeAgent.Valid())
	assert.False(t, Mode("").Valid())
	assert.False(t, Mode("chat").Valid())
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	s := New(ModePlan, "req", "")
	s.Plan = []string{"old"}

	out := Merge(s, PlannerPatch{Plan: []string{"new step"}})

	assert.Equal(t, []string{"old"}, s.Plan)
	assert.Equal(t, []string{"new step"}, out.Plan)
}

func TestMergeCopiesPatchData(t *testing.T) {
	plan := []string{"a"}
	out := Merge(New(ModePlan, "req", ""), PlannerPatch{Plan: plan})
	plan[0] = "mutated"
	assert.Equal(t, "a", out.Plan[0])
}

func TestMergeCoderReplaces(t *testing.T) {
	s := New(ModeAgent, "req", "")
	s = Merge(s, CoderPatch{FilesModified: []string{"a.go"}, FilesTouched: []string{"a.go"}, CodeChanges: "first", Feedback: "x"})
	s = Merge(s, CoderPatch{
		FilesModified: []string{"b.go", "b.go"},
		FilesTouched:  []string{"b.go", "c.go", "b.go"},
		CodeChanges:   "second",
	})

	assert.Equal(t, []string{"b.go"}, s.FilesModified)
	assert.Equal(t, []string{"b.go", "c.go"}, s.FilesTouched)
	assert.Equal(t, "second", s.CodeChanges)
	assert.Empty(t, s.Feedback)
}

func TestMergeMessagesAppend(t *testing.T) {
	s := New(ModeAsk, "what is this?", "")
	s = Merge(s, MessagesPatch{Messages: []proto.Message{proto.UserMessage("what is this?")}})
	before := s

	ctx := "--- File: a.go ---\npackage a\n"
	s = Merge(s, QAPatch{Messages: []proto.Message{proto.AssistantMessage("a package")}, FileContext: &ctx})

	require.Len(t, s.Messages, 2)
	assert.Equal(t, proto.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "a package", s.Messages[1].Content)
	assert.Equal(t, ctx, s.FileContext)
	assert.Len(t, before.Messages, 1)

	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.Equal(t, proto.RoleAssistant, last.Role)
}

func TestMergeQAWithoutContextKeepsFileContext(t *testing.T) {
	s := New(ModeAsk, "q", "")
	s.FileContext = "existing"
	s = Merge(s, QAPatch{Messages: []proto.Message{proto.AssistantMessage("a")}})
	assert.Equal(t, "existing", s.FileContext)
}

func TestMergeTesterReplaces(t *testing.T) {
	s := New(ModeAgent, "q", "")
	s = Merge(s, TesterPatch{TestResults: map[string]any{"status": "failed", "output": "boom"}})
	s = Merge(s, TesterPatch{TestResults: map[string]any{"status": "passed"}})

	assert.Equal(t, "passed", s.TestStatus())
	assert.NotContains(t, s.TestResults, "output")
}

func TestMergeNilPatch(t *testing.T) {
	var s WorkflowState
	out := Merge(s, nil)
	assert.NotNil(t, out.Plan)
	assert.NotNil(t, out.TestResults)
}

func TestPatchOwners(t *testing.T) {
	assert.Equal(t, "planner", PlannerPatch{}.Owner())
	assert.Equal(t, "coder", CoderPatch{}.Owner())
	assert.Equal(t, "tester", TesterPatch{}.Owner())
	assert.Equal(t, "qa", QAPatch{}.Owner())
	assert.Equal(t, "retrieval", ContextPatch{}.Owner())
}

func TestMergeContextReplacesFileContext(t *testing.T) {
	s := New(ModeAgent, "q", "")
	s.Plan = []string{"keep"}
	s = Merge(s, ContextPatch{FileContext: "--- File: a.go ---\npackage a\n"})
	assert.Equal(t, "--- File: a.go ---\npackage a\n", s.FileContext)
	assert.Equal(t, []string{"keep"}, s.Plan)
}
