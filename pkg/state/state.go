// Package state holds the shared workflow record and the typed patches nodes
// return to update it.
package state

import (
	"maps"
	"slices"

	"github.com/google/uuid"

	"pulse/pkg/proto"
)

// Mode selects the path a request takes through the graph.
type Mode string

const (
	ModeAsk   Mode = "ask"
	ModePlan  Mode = "plan"
	ModeAgent Mode = "agent"
)

// Modes lists every recognized mode.
var Modes = []Mode{ModeAsk, ModePlan, ModeAgent} //nolint:gochecknoglobals // enum listing

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	return slices.Contains(Modes, m)
}

// String returns the string representation of Mode.
func (m Mode) String() string {
	return string(m)
}

// WorkflowState is the record threaded through one workflow run. Every
// collection is non-nil from creation onward.
type WorkflowState struct {
	RunID         string          `json:"run_id"`
	Mode          Mode            `json:"mode"`
	UserRequest   string          `json:"user_request"`
	Plan          []string        `json:"plan"`
	Messages      []proto.Message `json:"messages"`
	FilesModified []string        `json:"files_modified"`
	FilesTouched  []string        `json:"files_touched"`
	CodeChanges   string          `json:"code_changes"`
	TestResults   map[string]any  `json:"test_results"`
	WorkspacePath string          `json:"workspace_path"`
	FileContext   string          `json:"file_context"`
	Feedback      string          `json:"feedback"`
}

// New creates a state with a fresh run ID and empty collections. The mode is
// stored as given; routing decides what an unrecognized mode means.
func New(mode Mode, userRequest, workspacePath string) WorkflowState {
	return WorkflowState{
		RunID:         uuid.NewString(),
		Mode:          mode,
		UserRequest:   userRequest,
		Plan:          []string{},
		Messages:      []proto.Message{},
		FilesModified: []string{},
		FilesTouched:  []string{},
		TestResults:   map[string]any{},
		WorkspacePath: workspacePath,
	}
}

// Clone returns a deep copy so callers can hand state to nodes without
// sharing backing arrays.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.Plan = cloneSlice(s.Plan)
	out.Messages = cloneSlice(s.Messages)
	out.FilesModified = cloneSlice(s.FilesModified)
	out.FilesTouched = cloneSlice(s.FilesTouched)
	out.TestResults = cloneMap(s.TestResults)
	return out
}

// normalize fills in any nil collections, e.g. after decoding JSON.
func (s *WorkflowState) normalize() {
	if s.Plan == nil {
		s.Plan = []string{}
	}
	if s.Messages == nil {
		s.Messages = []proto.Message{}
	}
	if s.FilesModified == nil {
		s.FilesModified = []string{}
	}
	if s.FilesTouched == nil {
		s.FilesTouched = []string{}
	}
	if s.TestResults == nil {
		s.TestResults = map[string]any{}
	}
}

// TestStatus returns test_results["status"] or "".
func (s WorkflowState) TestStatus() string {
	status, _ := s.TestResults["status"].(string)
	return status
}

// LastMessage returns the most recent message, if any.
func (s WorkflowState) LastMessage() (proto.Message, bool) {
	if len(s.Messages) == 0 {
		return proto.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

func cloneSlice[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

// orderedSet drops duplicates and empty entries, keeping first occurrence order.
func orderedSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
