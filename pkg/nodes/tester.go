package nodes

import (
	"context"
	"fmt"
	"strings"

	"pulse/pkg/approval"
	"pulse/pkg/exec"
	"pulse/pkg/logx"
	"pulse/pkg/proto"
	"pulse/pkg/state"
)

// Test status values.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusDenied  = "denied"
)

// Tester validates the files Coder modified.
type Tester struct {
	validator Validator
	logger    *logx.Logger
}

// NewTester creates a Tester node. A nil validator skips validation.
func NewTester(validator Validator) *Tester {
	return &Tester{validator: validator, logger: logx.NewLogger("tester")}
}

// Run produces a TesterPatch whose results always contain "status".
func (t *Tester) Run(ctx context.Context, s state.WorkflowState) state.Patch {
	if len(s.FilesModified) == 0 {
		return state.TesterPatch{TestResults: map[string]any{"status": StatusSkipped, "reason": "no files modified"}}
	}
	if t.validator == nil {
		return state.TesterPatch{TestResults: map[string]any{"status": StatusSkipped, "reason": "no validator configured"}}
	}

	files := append([]string(nil), s.FilesModified...)
	results, err := t.validator.Validate(ctx, files)
	if err != nil {
		t.logger.Warn("Validation failed to run: %v", err)
		return state.TesterPatch{TestResults: map[string]any{"status": StatusError, "error": err.Error()}}
	}

	out := make(map[string]any, len(results)+1)
	for k, v := range results {
		out[k] = v
	}
	if _, ok := out["status"].(string); !ok {
		out["status"] = StatusError
		out["error"] = "validator returned no status"
	}

	t.logger.Info("Validation of %d files: %v", len(files), out["status"])
	return state.TesterPatch{TestResults: out}
}

// CommandValidator runs a test command through command approval. "{files}"
// in Command is replaced by the quoted file list.
type CommandValidator struct {
	Command  string
	WorkDir  string
	Gate     approval.Gatekeeper
	Executor exec.Executor
	Opts     exec.Opts
}

// Validate asks for approval and runs the command.
func (v *CommandValidator) Validate(ctx context.Context, files []string) (map[string]any, error) {
	if strings.TrimSpace(v.Command) == "" {
		return map[string]any{"status": StatusSkipped, "reason": "no test command configured"}, nil
	}

	command := strings.ReplaceAll(v.Command, "{files}", quoteAll(files))
	plan := proto.CommandPlan{
		Command:   command,
		Rationale: fmt.Sprintf("Validate changes to %s", strings.Join(files, ", ")),
		RiskLabel: proto.RiskLow,
	}

	decision := v.Gate.RequestCommandApproval(ctx, plan)
	if !decision.Approved() {
		return map[string]any{"status": StatusDenied, "command": command, "feedback": decision.Feedback}, nil
	}
	if v.Executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}

	opts := v.Opts
	if opts.WorkDir == "" {
		opts.WorkDir = v.WorkDir
	}
	res, err := v.Executor.Run(ctx, command, &opts)
	if err != nil {
		return nil, fmt.Errorf("test command %q: %w", command, err)
	}

	status := StatusPassed
	if !res.Success() {
		status = StatusFailed
	}
	return map[string]any{
		"status":      status,
		"command":     command,
		"exit_code":   res.ExitCode,
		"output":      res.Output(),
		"duration_ms": res.Duration.Milliseconds(),
		"files":       files,
	}, nil
}

func quoteAll(files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
