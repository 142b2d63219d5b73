package nodes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"pulse/pkg/approval"
	"pulse/pkg/diff"
	"pulse/pkg/exec"
	"pulse/pkg/logx"
	"pulse/pkg/proto"
	"pulse/pkg/state"
)

// DefaultMaxPatchAttempts is how many plans a step may produce when each is
// denied. One means a denial is final for that step.
const DefaultMaxPatchAttempts = 1

var commandPrefixes = []string{"run ", "execute ", "install ", "$ "} //nolint:gochecknoglobals // fixed list

// CoderOptions configures a Coder.
type CoderOptions struct {
	// MaxPatchAttempts bounds regeneration after a denial. Values below one
	// are treated as one.
	MaxPatchAttempts int

	// ExecOpts is used for approved commands. WorkDir defaults to the workspace.
	ExecOpts exec.Opts
}

// Coder turns plan steps into approved file changes and commands.
type Coder struct {
	patches  PatchGenerator
	commands CommandGenerator
	gate     approval.Gatekeeper
	executor exec.Executor
	opts     CoderOptions
	logger   *logx.Logger
}

// NewCoder creates a Coder node. commands and executor may be nil, in which
// case command steps are proposed verbatim or reported as not executed.
func NewCoder(patches PatchGenerator, commands CommandGenerator, gate approval.Gatekeeper, executor exec.Executor, opts CoderOptions) *Coder {
	if opts.MaxPatchAttempts < 1 {
		opts.MaxPatchAttempts = DefaultMaxPatchAttempts
	}
	return &Coder{
		patches:  patches,
		commands: commands,
		gate:     gate,
		executor: executor,
		opts:     opts,
		logger:   logx.NewLogger("coder"),
	}
}

// coderRun accumulates the outcome of one Coder invocation.
type coderRun struct {
	touched  []string
	modified []string
	changes  []string
	feedback []string
}

func (r *coderRun) patch() state.CoderPatch {
	return state.CoderPatch{
		FilesModified: r.modified,
		FilesTouched:  r.touched,
		CodeChanges:   strings.Join(r.changes, "\n"),
		Feedback:      strings.Join(r.feedback, "\n"),
	}
}

// Run executes every plan step in order. Nothing touches disk or spawns a
// process without an approved decision.
func (c *Coder) Run(ctx context.Context, s state.WorkflowState) state.Patch {
	run := &coderRun{}

	for i, step := range s.Plan {
		if ctx.Err() != nil {
			run.feedback = append(run.feedback, fmt.Sprintf("step %d: %s", i+1, proto.FeedbackCancelled))
			break
		}
		if isErrorEntry(step) {
			c.logger.Warn("Skipping plan error entry: %s", step)
			continue
		}
		logx.Debug(ctx, "coder", "Step %d/%d: %s", i+1, len(s.Plan), step)

		if isCommandStep(step) {
			c.commandStep(ctx, s, step, run)
			continue
		}
		c.patchStep(ctx, s, step, run)
	}

	c.logger.Info("Applied %d of %d proposed files", len(run.modified), len(run.touched))
	return run.patch()
}

func (c *Coder) patchStep(ctx context.Context, s state.WorkflowState, step string, run *coderRun) {
	if c.patches == nil {
		run.changes = append(run.changes, fmt.Sprintf("Error generating patch for %q: no patch generator configured", step))
		return
	}

	prompt := step
	for attempt := 1; attempt <= c.opts.MaxPatchAttempts; attempt++ {
		plan, err := c.patches.GeneratePatch(ctx, prompt, s.FileContext)
		if errors.Is(err, ErrCommandStep) {
			c.commandStep(ctx, s, step, run)
			return
		}
		if err != nil {
			c.logger.Warn("Patch generation failed for %q: %v", step, err)
			run.changes = append(run.changes, fmt.Sprintf("Error generating patch for %q: %v", step, err))
			return
		}

		target, err := resolveInWorkspace(s.WorkspacePath, plan.FilePath)
		if err != nil {
			c.logger.Warn("Rejecting patch for %s: %v", plan.FilePath, err)
			run.feedback = append(run.feedback, fmt.Sprintf("%s: rejected: %v", plan.FilePath, err))
			return
		}
		run.touched = append(run.touched, plan.FilePath)

		decision := c.gate.RequestPatchApproval(ctx, plan)
		if !decision.Approved() {
			reason := denialReason(decision)
			run.feedback = append(run.feedback, fmt.Sprintf("%s: %s", plan.FilePath, reason))
			if !retryable(ctx, decision) {
				return
			}
			prompt = withFeedback(step, reason)
			continue
		}

		if err := applyPatch(target, plan.Diff); err != nil {
			c.logger.Error("Failed to apply approved patch to %s: %v", plan.FilePath, err)
			run.changes = append(run.changes, fmt.Sprintf("Error applying patch to %s: %v", plan.FilePath, err))
			return
		}
		run.modified = append(run.modified, plan.FilePath)
		run.changes = append(run.changes, fmt.Sprintf("# %s\n%s", plan.FilePath, strings.TrimRight(plan.Diff, "\n")))
		return
	}
}

func (c *Coder) commandStep(ctx context.Context, s state.WorkflowState, step string, run *coderRun) {
	prompt := step
	for attempt := 1; attempt <= c.opts.MaxPatchAttempts; attempt++ {
		plan, err := c.proposeCommand(ctx, prompt, step)
		if err != nil {
			c.logger.Warn("Command generation failed for %q: %v", step, err)
			run.changes = append(run.changes, fmt.Sprintf("Error generating command for %q: %v", step, err))
			return
		}

		decision := c.gate.RequestCommandApproval(ctx, plan)
		if !decision.Approved() {
			reason := denialReason(decision)
			run.feedback = append(run.feedback, fmt.Sprintf("$ %s: %s", plan.Command, reason))
			if !retryable(ctx, decision) {
				return
			}
			prompt = withFeedback(step, reason)
			continue
		}

		run.changes = append(run.changes, c.execute(ctx, s.WorkspacePath, plan.Command))
		return
	}
}

func (c *Coder) proposeCommand(ctx context.Context, prompt, step string) (proto.CommandPlan, error) {
	if c.commands != nil {
		plan, err := c.commands.GenerateCommand(ctx, prompt)
		if err != nil {
			return proto.CommandPlan{}, err //nolint:wrapcheck // reported verbatim
		}
		return plan, nil
	}
	return proto.CommandPlan{
		Command:   stripCommandPrefix(step),
		Rationale: step,
		RiskLabel: proto.RiskMedium,
	}, nil
}

func (c *Coder) execute(ctx context.Context, workspace, command string) string {
	if c.executor == nil {
		return fmt.Sprintf("$ %s\n(approved, not executed: no executor configured)", command)
	}
	opts := c.opts.ExecOpts
	if opts.WorkDir == "" {
		opts.WorkDir = workspace
	}
	res, err := c.executor.Run(ctx, command, &opts)
	if err != nil {
		c.logger.Error("Command %q failed: %v", command, err)
		return fmt.Sprintf("$ %s\nError: %v", command, err)
	}
	return fmt.Sprintf("$ %s (exit %d)\n%s", command, res.ExitCode, strings.TrimRight(res.Output(), "\n"))
}

func denialReason(d proto.Decision) string {
	if d.Feedback == "" {
		return "denied"
	}
	return d.Feedback
}

// retryable reports whether a denial may be followed by a regenerated plan.
// Cancellations and timeouts are final.
func retryable(ctx context.Context, d proto.Decision) bool {
	if ctx.Err() != nil {
		return false
	}
	return d.Feedback != proto.FeedbackCancelled && d.Feedback != proto.FeedbackTimedOut
}

func withFeedback(step, feedback string) string {
	return step + "\n\nReviewer feedback on the previous proposal: " + feedback
}

func isCommandStep(step string) bool {
	lower := strings.ToLower(strings.TrimSpace(step))
	for _, prefix := range commandPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func stripCommandPrefix(step string) string {
	trimmed := strings.TrimSpace(step)
	lower := strings.ToLower(trimmed)
	for _, prefix := range commandPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return trimmed
}

// resolveInWorkspace joins p onto the workspace root and rejects results that
// fall outside it.
func resolveInWorkspace(workspace, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	if workspace == "" {
		workspace = "."
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return target, nil
}

func applyPatch(target, diffText string) error {
	mode := fs.FileMode(0o644)
	original := ""
	data, err := os.ReadFile(target)
	switch {
	case err == nil:
		original = string(data)
		if info, statErr := os.Stat(target); statErr == nil {
			mode = info.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("failed to read %s: %w", target, err)
	}

	updated, err := diff.Apply(original, diffText)
	if err != nil {
		return err //nolint:wrapcheck // diff errors name the hunk
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}
	if err := os.WriteFile(target, []byte(updated), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}
