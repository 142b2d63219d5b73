package state

import "pulse/pkg/proto"

// Patch is a partial update produced by one node. The set of variants is
// closed; each carries only the fields its owner may write.
type Patch interface {
	// Owner names the node that produced the patch.
	Owner() string
	apply(s *WorkflowState)
}

// PlannerPatch replaces the plan.
type PlannerPatch struct {
	Plan []string
}

func (PlannerPatch) Owner() string { return "planner" }

func (p PlannerPatch) apply(s *WorkflowState) {
	s.Plan = cloneSlice(p.Plan)
}

// CoderPatch replaces the coder-owned fields.
type CoderPatch struct {
	FilesModified []string
	FilesTouched  []string
	CodeChanges   string
	Feedback      string
}

func (CoderPatch) Owner() string { return "coder" }

func (p CoderPatch) apply(s *WorkflowState) {
	s.FilesModified = orderedSet(p.FilesModified)
	s.FilesTouched = orderedSet(p.FilesTouched)
	s.CodeChanges = p.CodeChanges
	s.Feedback = p.Feedback
}

// TesterPatch replaces the test results.
type TesterPatch struct {
	TestResults map[string]any
}

func (TesterPatch) Owner() string { return "tester" }

func (p TesterPatch) apply(s *WorkflowState) {
	s.TestResults = cloneMap(p.TestResults)
}

// QAPatch appends the answer and, when retrieval ran, replaces file_context.
type QAPatch struct {
	Messages    []proto.Message
	FileContext *string
}

func (QAPatch) Owner() string { return "qa" }

func (p QAPatch) apply(s *WorkflowState) {
	s.Messages = append(s.Messages, p.Messages...)
	if p.FileContext != nil {
		s.FileContext = *p.FileContext
	}
}

// ContextPatch replaces file_context with code retrieved before planning.
type ContextPatch struct {
	FileContext string
}

func (ContextPatch) Owner() string { return "retrieval" }

func (p ContextPatch) apply(s *WorkflowState) {
	s.FileContext = p.FileContext
}

// MessagesPatch appends conversation messages.
type MessagesPatch struct {
	Messages []proto.Message
}

func (MessagesPatch) Owner() string { return "conversation" }

func (p MessagesPatch) apply(s *WorkflowState) {
	s.Messages = append(s.Messages, p.Messages...)
}

// Merge returns a new state with patch applied. Owned fields are replaced,
// messages are appended, and s is never modified. A nil patch yields a copy.
func Merge(s WorkflowState, patch Patch) WorkflowState {
	out := s.Clone()
	out.normalize()
	if patch != nil {
		patch.apply(&out)
	}
	return out
}
