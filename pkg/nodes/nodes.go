// Package nodes implements the Planner, Coder, Tester and QA workflow nodes.
// Each node reads the full state, returns only the fields it owns, and turns
// collaborator failures into data instead of errors.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pulse/pkg/proto"
)

// ErrCommandStep lets a PatchGenerator signal that a step is a shell command
// rather than a file change.
var ErrCommandStep = errors.New("step is a command")

// ErrPathEscape is returned for patch targets outside the workspace.
var ErrPathEscape = errors.New("path escapes workspace")

// NoContextMessage is the file context used when retrieval finds nothing.
const NoContextMessage = "No relevant code found in the codebase."

// PlanGenerator turns a request into ordered steps.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, userRequest string) ([]string, error)
}

// PatchGenerator proposes a change for one plan step.
type PatchGenerator interface {
	GeneratePatch(ctx context.Context, step, fileContext string) (proto.PatchPlan, error)
}

// CommandGenerator proposes a shell command for one plan step.
type CommandGenerator interface {
	GenerateCommand(ctx context.Context, step string) (proto.CommandPlan, error)
}

// Retriever searches the indexed codebase.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]proto.Document, error)
}

// Answerer answers a question given rendered code context.
type Answerer interface {
	Answer(ctx context.Context, question, fileContext string) (string, error)
}

// Validator checks modified files. The result must carry a "status" key.
type Validator interface {
	Validate(ctx context.Context, files []string) (map[string]any, error)
}

// ContextTrimmer shortens rendered context to fit a model budget.
type ContextTrimmer interface {
	Trim(text string) string
}

// FormatContext renders retrieval results as "--- File: {path} ---" blocks
// separated by blank lines.
func FormatContext(docs []proto.Document) string {
	if len(docs) == 0 {
		return NoContextMessage
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		path := d.Path
		if path == "" {
			path = "unknown"
		}
		parts = append(parts, fmt.Sprintf("--- File: %s ---\n%s\n", path, d.Content))
	}
	return strings.Join(parts, "\n")
}

// isErrorEntry reports whether a plan step is a Planner error marker.
func isErrorEntry(step string) bool {
	step = strings.TrimSpace(step)
	return strings.HasPrefix(step, "Error: ") || strings.HasPrefix(step, "Error generating plan: ")
}
