package diff

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
)

// Renderer prints parsed lines with old/new line-number gutters.
type Renderer struct {
	colorEnabled bool
	added        *color.Color
	removed      *color.Color
	header       *color.Color
	gutter       *color.Color
}

// NewRenderer creates a renderer. Colors are only emitted when colorEnabled
// is set and the color package has not been globally disabled.
func NewRenderer(colorEnabled bool) *Renderer {
	return &Renderer{
		colorEnabled: colorEnabled,
		added:        color.New(color.FgGreen),
		removed:      color.New(color.FgRed),
		header:       color.New(color.FgCyan, color.Bold),
		gutter:       color.New(color.FgHiBlack),
	}
}

// Render writes one row per line.
func (r *Renderer) Render(w io.Writer, lines []Line) error {
	for i := range lines {
		if _, err := fmt.Fprintln(w, r.row(&lines[i])); err != nil {
			return fmt.Errorf("failed to render diff: %w", err)
		}
	}
	return nil
}

func (r *Renderer) row(l *Line) string {
	switch l.Kind {
	case KindFileHeader, KindHunkHeader:
		return r.paint(r.header, l.Content)
	case KindAdded:
		return r.paint(r.gutter, gutter(l)) + r.paint(r.added, "+ "+l.Content)
	case KindRemoved:
		return r.paint(r.gutter, gutter(l)) + r.paint(r.removed, "- "+l.Content)
	default:
		return r.paint(r.gutter, gutter(l)) + "  " + l.Content
	}
}

func (r *Renderer) paint(c *color.Color, s string) string {
	if !r.colorEnabled {
		return s
	}
	return c.Sprint(s)
}

func gutter(l *Line) string {
	return fmt.Sprintf("%5s %5s │ ", lineNo(l.OldLine), lineNo(l.NewLine))
}

func lineNo(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}
