package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pulse/pkg/graph"
	"pulse/pkg/logx"
	"pulse/pkg/nodes"
	"pulse/pkg/persistence"
	"pulse/pkg/proto"
	"pulse/pkg/state"
)

// Analytics tool names for calls that are not graph nodes.
const toolSearch = "search"

// trackedNode records one analytics call per node execution.
type trackedNode struct {
	id        graph.NodeID
	next      graph.Node
	analytics *persistence.Analytics
	logger    *logx.Logger
}

func track(id graph.NodeID, next graph.Node, analytics *persistence.Analytics) graph.Node {
	return &trackedNode{id: id, next: next, analytics: analytics, logger: logx.NewLogger("workflow")}
}

func (n *trackedNode) Run(ctx context.Context, s state.WorkflowState) (patch state.Patch) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			n.record(ctx, false, time.Since(start), fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	patch = n.next.Run(ctx, s)
	reason := Failure(patch)
	n.record(ctx, reason == "", time.Since(start), reason)
	return patch
}

func (n *trackedNode) record(ctx context.Context, success bool, d time.Duration, reason string) {
	if err := n.analytics.RecordCall(context.WithoutCancel(ctx), n.id.String(), success, d, reason); err != nil {
		n.logger.Warn("Failed to record analytics for %s: %v", n.id, err)
	}
}

// Failure reports why a node's patch represents a failed call, or "" when
// it succeeded. Nodes return failures as data, so this reads the patch.
func Failure(p state.Patch) string {
	switch v := p.(type) {
	case nil:
		return "node returned no patch"
	case state.PlannerPatch:
		if len(v.Plan) == 1 && strings.HasPrefix(v.Plan[0], "Error") {
			return v.Plan[0]
		}
	case state.CoderPatch:
		if len(v.FilesTouched) > 0 && len(v.FilesModified) == 0 {
			if v.Feedback != "" {
				return "no change applied: " + firstLine(v.Feedback)
			}
			return "no change applied"
		}
	case state.TesterPatch:
		status, _ := v.TestResults["status"].(string)
		switch status {
		case nodes.StatusError:
			if msg, ok := v.TestResults["error"].(string); ok {
				return msg
			}
			return "validation error"
		case nodes.StatusFailed:
			return "validation failed"
		}
	case state.QAPatch:
		for _, m := range v.Messages {
			if m.Role == proto.RoleAssistant && strings.HasPrefix(m.Content, "Error generating answer") {
				return m.Content
			}
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// trackedRetriever records every codebase search.
type trackedRetriever struct {
	next      nodes.Retriever
	analytics *persistence.Analytics
	logger    *logx.Logger
}

func (r *trackedRetriever) Search(ctx context.Context, query string, k int) ([]proto.Document, error) {
	start := time.Now()
	docs, err := r.next.Search(ctx, query, k)

	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	if recErr := r.analytics.RecordCall(context.WithoutCancel(ctx), toolSearch, err == nil, time.Since(start), errStr); recErr != nil {
		r.logger.Warn("Failed to record analytics for search: %v", recErr)
	}
	return docs, err //nolint:wrapcheck // transparent decorator
}
