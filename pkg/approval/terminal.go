package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"pulse/pkg/diff"
	"pulse/pkg/proto"
)

// Terminal asks a human on a terminal. Prompts are serialized so concurrent
// requests never interleave.
type Terminal struct {
	in       *bufio.Reader
	out      io.Writer
	renderer *diff.Renderer
	colored  bool
	mu       sync.Mutex
	once     sync.Once
	lines    chan lineResult
}

type lineResult struct {
	line string
	err  error
}

// NewTerminal creates a terminal approver over arbitrary streams.
func NewTerminal(in io.Reader, out io.Writer, colored bool) *Terminal {
	return &Terminal{
		in:       bufio.NewReader(in),
		out:      out,
		renderer: diff.NewRenderer(colored),
		colored:  colored,
		lines:    make(chan lineResult),
	}
}

// NewStdioTerminal creates a terminal approver on stdin/stdout. Color is
// enabled only when stdout is a TTY.
func NewStdioTerminal() *Terminal {
	return NewTerminal(os.Stdin, os.Stdout, term.IsTerminal(int(os.Stdout.Fd()))) //nolint:gosec // fd fits in int
}

// Interactive reports whether stdin is attached to a terminal.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // fd fits in int
}

// Review renders req and reads a y/n answer plus optional feedback.
func (t *Terminal) Review(ctx context.Context, req proto.ApprovalRequest) (proto.Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.render(req); err != nil {
		return proto.Decision{}, err
	}

	answer, err := t.prompt(ctx, "Approve? [y/N]: ")
	if err != nil {
		return proto.Decision{}, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return proto.Approve(), nil
	}

	feedback, err := t.prompt(ctx, "Feedback (optional): ")
	if err != nil {
		return proto.Decision{}, err
	}
	return proto.Deny(strings.TrimSpace(feedback)), nil
}

func (t *Terminal) render(req proto.ApprovalRequest) error {
	bold := color.New(color.Bold)
	switch {
	case req.Patch != nil:
		lines := diff.Parse(req.Patch.Diff)
		stats := diff.ComputeStats(lines)
		fmt.Fprintf(t.out, "\n%s %s (+%d -%d)\n", t.paint(bold, "Proposed change to"), req.Patch.FilePath, stats.Added, stats.Removed)
		if req.Patch.Rationale != "" {
			fmt.Fprintf(t.out, "Rationale: %s\n", req.Patch.Rationale)
		}
		if err := t.renderer.Render(t.out, lines); err != nil {
			return err //nolint:wrapcheck // already wrapped by renderer
		}
	case req.Command != nil:
		risk := req.Command.RiskLabel
		fmt.Fprintf(t.out, "\n%s\n", t.paint(riskColor(risk), fmt.Sprintf("RISK: %s", risk)))
		if risk.NeedsWarning() {
			fmt.Fprintln(t.out, t.paint(color.New(color.FgYellow), "Warning: review this command carefully before approving."))
		}
		fmt.Fprintf(t.out, "%s %s\n", t.paint(bold, "Command:"), req.Command.Command)
		if req.Command.Rationale != "" {
			fmt.Fprintf(t.out, "Rationale: %s\n", req.Command.Rationale)
		}
	default:
		return fmt.Errorf("approval request %s has no plan", req.ID)
	}
	return nil
}

// prompt reads one line, giving up when ctx is done. A line typed after an
// interrupted prompt is delivered to the next one.
func (t *Terminal) prompt(ctx context.Context, label string) (string, error) {
	fmt.Fprint(t.out, label)
	t.once.Do(t.startReader)

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("prompt interrupted: %w", ctx.Err())
	case r := <-t.lines:
		if r.err != nil {
			return "", fmt.Errorf("failed to read answer: %w", r.err)
		}
		return r.line, nil
	}
}

func (t *Terminal) startReader() {
	go func() {
		for {
			line, err := t.in.ReadString('\n')
			if errors.Is(err, io.EOF) && line != "" {
				err = nil
			}
			t.lines <- lineResult{line: line, err: err}
			if err != nil {
				for {
					t.lines <- lineResult{err: err}
				}
			}
		}
	}()
}

func (t *Terminal) paint(c *color.Color, s string) string {
	if !t.colored {
		return s
	}
	return c.Sprint(s)
}

func riskColor(r proto.RiskLabel) *color.Color {
	switch r {
	case proto.RiskLow:
		return color.New(color.FgGreen, color.Bold)
	case proto.RiskHigh:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgYellow, color.Bold)
	}
}

// Static returns the same decision for every request.
type Static struct {
	Decision proto.Decision
}

// Review returns s.Decision.
func (s Static) Review(_ context.Context, _ proto.ApprovalRequest) (proto.Decision, error) {
	return s.Decision, nil
}
