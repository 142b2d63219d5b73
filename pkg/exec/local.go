package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// LocalExec executes commands directly on the local system through the shell.
type LocalExec struct {
	shell string
}

// NewLocalExec creates a LocalExec using $SHELL, falling back to /bin/sh.
func NewLocalExec() *LocalExec {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &LocalExec{shell: shell}
}

// Name returns the executor type name.
func (e *LocalExec) Name() string {
	return "local"
}

// Run executes cmdLine with "<shell> -c".
func (e *LocalExec) Run(ctx context.Context, cmdLine string, opts *Opts) (Result, error) {
	if strings.TrimSpace(cmdLine) == "" {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		o := DefaultOpts()
		opts = &o
	}

	startTime := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, e.shell, "-c", cmdLine) //nolint:gosec // command was approved by a human
	// Children of the shell may keep the output pipes open after a kill.
	execCmd.WaitDelay = 2 * time.Second

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		execCmd.Dir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdoutBuf, stderrBuf strings.Builder
	execCmd.Stdout = &stdoutBuf
	execCmd.Stderr = &stderrBuf

	err := execCmd.Run()
	result := Result{
		Command:  cmdLine,
		Duration: time.Since(startTime),
	}
	result.Stdout, result.Truncated = truncate(stdoutBuf.String(), opts.MaxOutputBytes)
	var stderrTruncated bool
	result.Stderr, stderrTruncated = truncate(stderrBuf.String(), opts.MaxOutputBytes)
	result.Truncated = result.Truncated || stderrTruncated

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a result, not an error. A timeout kill also lands
			// here, so check the context first.
			result.ExitCode = exitErr.ExitCode()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, fmt.Errorf("command interrupted: %w", ctxErr)
			}
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run command: %w", err)
	}
	return result, nil
}

func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	return s[:limit] + "\n... (output truncated)", true
}
