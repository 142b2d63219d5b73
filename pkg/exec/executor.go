// Package exec runs approved commands. Callers must hold an approved
// CommandPlan decision before calling Run.
package exec

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single approved command.
const DefaultTimeout = 10 * time.Minute

// DefaultMaxOutputBytes caps captured stdout and stderr each.
const DefaultMaxOutputBytes = 64 * 1024

// Executor runs a command line.
type Executor interface {
	// Run executes cmdLine and returns its result. A non-zero exit code is
	// reported in Result, not as an error.
	Run(ctx context.Context, cmdLine string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging.
	Name() string
}

// Opts contains options for command execution.
type Opts struct {
	// WorkDir is the working directory for the command.
	WorkDir string

	// Env contains extra environment variables (KEY=VALUE format).
	Env []string

	// Timeout is the maximum duration for command execution.
	Timeout time.Duration

	// MaxOutputBytes truncates stdout and stderr; zero means unlimited.
	MaxOutputBytes int
}

// DefaultOpts returns options with the default timeout and output cap.
func DefaultOpts() Opts {
	return Opts{
		Timeout:        DefaultTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// Result contains the result of command execution.
type Result struct {
	Command   string        `json:"command"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Success reports whether the command exited with code 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns stdout followed by stderr.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}
