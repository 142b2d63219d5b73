// Package workflow composes the orchestration graph, its nodes, the approval
// gates and the persistence layers into a single Run call.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulse/pkg/approval"
	"pulse/pkg/eventlog"
	"pulse/pkg/exec"
	"pulse/pkg/graph"
	"pulse/pkg/logx"
	"pulse/pkg/metrics"
	"pulse/pkg/nodes"
	"pulse/pkg/persistence"
	"pulse/pkg/proto"
	"pulse/pkg/state"
)

// Run outcomes, matching the labels the graph reports to its observer.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// maxTitleLen bounds session titles derived from the first request.
const maxTitleLen = 50

// Collaborators are the node dependencies. Any of them may be nil; nodes
// report a missing collaborator as failure data.
type Collaborators struct {
	Plans     nodes.PlanGenerator
	Patches   nodes.PatchGenerator
	Commands  nodes.CommandGenerator
	Answerer  nodes.Answerer
	Retriever nodes.Retriever
	// Validator overrides the command validator built from Options.TestCommand.
	Validator nodes.Validator
	Trimmer   nodes.ContextTrimmer
	// Executor defaults to a local shell executor.
	Executor exec.Executor
}

// Options configures an Engine. Every storage field is optional.
type Options struct {
	Workspace        string
	Approver         approval.Approver
	ApprovalTimeout  time.Duration
	StrictRouting    bool
	MaxPatchAttempts int
	RetrievalK       int
	// TestCommand is run through command approval after Coder modifies
	// files. "{files}" expands to the modified paths.
	TestCommand string
	ExecOpts    exec.Opts

	DB        *persistence.DB
	Events    *eventlog.Writer
	Metrics   *metrics.PrometheusRecorder
	Snapshots *state.Store
}

// Request is one user turn.
type Request struct {
	Mode        state.Mode
	UserRequest string
	// SessionID continues a stored conversation. Empty starts a new session
	// when a database is configured.
	SessionID string
}

// Response describes a finished run.
type Response struct {
	RunID       string              `json:"run_id"`
	SessionID   string              `json:"session_id,omitempty"`
	Mode        state.Mode          `json:"mode"`
	Outcome     string              `json:"outcome"`
	Error       string              `json:"error,omitempty"`
	Visited     []string            `json:"visited"`
	Transitions []graph.Transition  `json:"transitions"`
	State       state.WorkflowState `json:"state"`
	StartedAt   time.Time           `json:"started_at"`
	Duration    time.Duration       `json:"duration"`
}

// Engine runs requests through the orchestration graph.
type Engine struct {
	graph     *graph.Graph
	gates     *approval.Gates
	retriever nodes.Retriever
	trimmer   nodes.ContextTrimmer
	opts      Options
	logger    *logx.Logger
}

// New wires the nodes to their collaborators and compiles the graph.
func New(c Collaborators, opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.Workspace) == "" {
		return nil, errors.New("workspace path is required")
	}
	if opts.Approver == nil {
		return nil, errors.New("an approver is required")
	}

	// Nil pointers must not reach the interface-typed hooks.
	gateOpts := approval.Options{Timeout: opts.ApprovalTimeout}
	graphOpts := graph.Options{StrictRouting: opts.StrictRouting}
	if opts.Metrics != nil {
		gateOpts.Recorder = opts.Metrics
		graphOpts.Observer = opts.Metrics
	}
	if opts.Events != nil {
		gateOpts.Auditor = opts.Events
	}
	gates := approval.NewGates(opts.Approver, gateOpts)

	executor := c.Executor
	if executor == nil {
		executor = exec.NewLocalExec()
	}
	execOpts := opts.ExecOpts
	if execOpts.WorkDir == "" {
		execOpts.WorkDir = opts.Workspace
	}

	validator := c.Validator
	if validator == nil && strings.TrimSpace(opts.TestCommand) != "" {
		validator = &nodes.CommandValidator{
			Command:  opts.TestCommand,
			WorkDir:  opts.Workspace,
			Gate:     gates,
			Executor: executor,
			Opts:     execOpts,
		}
	}

	var analytics *persistence.Analytics
	if opts.DB != nil {
		analytics = opts.DB.Analytics()
	}
	retriever := c.Retriever
	if retriever != nil && analytics != nil {
		retriever = &trackedRetriever{next: retriever, analytics: analytics, logger: logx.NewLogger("workflow")}
	}

	bound := map[graph.NodeID]graph.Node{
		graph.NodePlanner: nodes.NewPlanner(c.Plans),
		graph.NodeCoder: nodes.NewCoder(c.Patches, c.Commands, gates, executor, nodes.CoderOptions{
			MaxPatchAttempts: opts.MaxPatchAttempts,
			ExecOpts:         execOpts,
		}),
		graph.NodeTester: nodes.NewTester(validator),
		graph.NodeQA:     nodes.NewQA(retriever, c.Answerer, nodes.QAOptions{K: opts.RetrievalK, Trimmer: c.Trimmer}),
	}
	if analytics != nil {
		for id, n := range bound {
			bound[id] = track(id, n, analytics)
		}
	}

	g, err := graph.New(bound, graphOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestration graph: %w", err)
	}

	return &Engine{
		graph:     g,
		gates:     gates,
		retriever: retriever,
		trimmer:   c.Trimmer,
		opts:      opts,
		logger:    logx.NewLogger("workflow"),
	}, nil
}

// Gates exposes the approval gates so a host can resolve or cancel pending
// requests.
func (e *Engine) Gates() *approval.Gates { return e.gates }

// Route returns the node sequence a request in mode would visit.
func (e *Engine) Route(mode state.Mode) ([]graph.NodeID, error) {
	return e.graph.Route(mode)
}

// Run executes one request. Storage failures are logged and never change
// the outcome; the returned error is the graph's.
func (e *Engine) Run(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	s := state.New(req.Mode, req.UserRequest, e.opts.Workspace)
	ctx = logx.WithRunID(ctx, s.RunID)
	// Bookkeeping must survive the caller cancelling the run.
	bg := context.WithoutCancel(ctx)

	sessionID, history := e.openSession(bg, req)
	s.Messages = append(s.Messages, history...)
	s = state.Merge(s, state.MessagesPatch{Messages: []proto.Message{proto.UserMessage(req.UserRequest)}})
	persisted := len(history)

	e.logger.Info("Run %s started (mode %s)", s.RunID, s.Mode)
	if e.opts.Events != nil {
		e.opts.Events.RecordRun(eventlog.TypeRunStarted, s.RunID, map[string]any{
			"mode":       s.Mode.String(),
			"session_id": sessionID,
			"request":    req.UserRequest,
		})
	}

	s = e.retrieveContext(ctx, s)
	res, runErr := e.graph.Run(ctx, s)

	final := res.State
	if reply := Reply(final, res.Mode, runErr); reply != "" {
		final = state.Merge(final, state.MessagesPatch{Messages: []proto.Message{proto.AssistantMessage(reply)}})
	}

	resp := &Response{
		RunID:       final.RunID,
		SessionID:   sessionID,
		Mode:        res.Mode,
		Outcome:     Outcome(runErr),
		Visited:     visitedNames(res.Visited),
		Transitions: res.Transitions,
		State:       final,
		StartedAt:   started,
		Duration:    time.Since(started),
	}
	if runErr != nil {
		resp.Error = runErr.Error()
		e.logger.Warn("Run %s ended %s: %v", final.RunID, resp.Outcome, runErr)
	} else {
		e.logger.Info("Run %s completed in %s", final.RunID, resp.Duration.Round(time.Millisecond))
	}

	e.record(bg, resp, final.Messages[persisted:])
	return resp, runErr
}

// retrieveContext fills file_context for runs that go through the Planner,
// so the Coder sees the code it is about to change. QA retrieves its own.
func (e *Engine) retrieveContext(ctx context.Context, s state.WorkflowState) state.WorkflowState {
	if e.retriever == nil || graph.RouteStart(s.Mode) != graph.NodePlanner {
		return s
	}
	if e.opts.StrictRouting && !s.Mode.Valid() {
		return s
	}
	k := e.opts.RetrievalK
	if k <= 0 {
		k = nodes.DefaultSearchResults
	}
	docs, err := e.retriever.Search(ctx, s.UserRequest, k)
	if err != nil {
		e.logger.Warn("Retrieval failed, running without file context: %v", err)
		return s
	}
	if len(docs) == 0 {
		return s
	}
	fileContext := nodes.FormatContext(docs)
	if e.trimmer != nil {
		fileContext = e.trimmer.Trim(fileContext)
	}
	logx.Debug(ctx, "workflow", "Retrieved %d documents for planning", len(docs))
	return state.Merge(s, state.ContextPatch{FileContext: fileContext})
}

// openSession returns the session to append to and its prior messages.
func (e *Engine) openSession(ctx context.Context, req Request) (string, []proto.Message) {
	if e.opts.DB == nil {
		return req.SessionID, nil
	}
	if req.SessionID == "" {
		session, err := e.opts.DB.CreateSession(ctx, Title(req.UserRequest))
		if err != nil {
			e.logger.Warn("Failed to create session: %v", err)
			return "", nil
		}
		return session.ID, nil
	}

	stored, err := e.opts.DB.GetSessionHistory(ctx, req.SessionID)
	if err != nil {
		e.logger.Warn("Failed to load session %s: %v", req.SessionID, err)
		return "", nil
	}
	history := make([]proto.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, m.Message())
	}
	return req.SessionID, history
}

// record persists the run's new messages, its summary row, a state snapshot
// and the closing audit event.
func (e *Engine) record(ctx context.Context, resp *Response, fresh []proto.Message) {
	if e.opts.DB != nil {
		if resp.SessionID != "" {
			if err := e.opts.DB.SaveMessages(ctx, resp.SessionID, fresh); err != nil {
				e.logger.Warn("Failed to save messages for session %s: %v", resp.SessionID, err)
			}
		}
		err := e.opts.DB.RecordRun(ctx, persistence.Run{
			RunID:         resp.RunID,
			SessionID:     resp.SessionID,
			Mode:          resp.Mode.String(),
			UserRequest:   resp.State.UserRequest,
			Outcome:       resp.Outcome,
			Visited:       resp.Visited,
			FilesModified: len(resp.State.FilesModified),
			StartedAt:     resp.StartedAt,
			Duration:      resp.Duration,
		})
		if err != nil {
			e.logger.Warn("Failed to record run %s: %v", resp.RunID, err)
		}
	}

	if e.opts.Snapshots != nil {
		snap := state.Snapshot{State: resp.State, Visited: resp.Visited, Error: resp.Error}
		if err := e.opts.Snapshots.Save(snap); err != nil {
			e.logger.Warn("Failed to save snapshot for run %s: %v", resp.RunID, err)
		}
	}

	if e.opts.Events != nil {
		e.opts.Events.RecordRun(eventlog.TypeRunFinished, resp.RunID, map[string]any{
			"outcome":        resp.Outcome,
			"visited":        resp.Visited,
			"files_modified": resp.State.FilesModified,
			"test_status":    resp.State.TestStatus(),
			"duration_ms":    resp.Duration.Milliseconds(),
		})
	}
}

// Outcome maps a graph error to a run outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, graph.ErrUnknownMode):
		return OutcomeRejected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

// Reply renders the assistant message closing a plan or agent run. Ask runs
// return "" because QA already answered.
func Reply(s state.WorkflowState, mode state.Mode, runErr error) string {
	if runErr != nil {
		return fmt.Sprintf("Run %s: %v", Outcome(runErr), runErr)
	}
	if mode == state.ModeAsk {
		return ""
	}

	var b strings.Builder
	b.WriteString("Plan:\n")
	for i, step := range s.Plan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	if mode == state.ModePlan {
		return strings.TrimRight(b.String(), "\n")
	}

	if len(s.FilesModified) == 0 {
		b.WriteString("\nNo files were modified.")
	} else {
		fmt.Fprintf(&b, "\nModified files: %s", strings.Join(s.FilesModified, ", "))
	}
	if status := s.TestStatus(); status != "" {
		fmt.Fprintf(&b, "\nValidation: %s", status)
	}
	if s.Feedback != "" {
		fmt.Fprintf(&b, "\nFeedback:\n%s", s.Feedback)
	}
	return b.String()
}

// Title derives a session title from the first request.
func Title(request string) string {
	title := strings.Join(strings.Fields(request), " ")
	if title == "" {
		return persistence.DefaultSessionTitle
	}
	if r := []rune(title); len(r) > maxTitleLen {
		return string(r[:maxTitleLen-3]) + "..."
	}
	return title
}

func visitedNames(ids []graph.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
