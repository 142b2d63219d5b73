// Package diff turns unified diff text into typed, numbered lines and applies
// or generates unified diffs.
package diff

import (
	"iter"
	"strconv"
	"strings"
)

// Kind classifies a single diff line.
type Kind string

const (
	KindContext    Kind = "context"
	KindAdded      Kind = "added"
	KindRemoved    Kind = "removed"
	KindHunkHeader Kind = "hunk_header"
	KindFileHeader Kind = "file_header"
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	return string(k)
}

// Line is one parsed line of a unified diff. OldLine and NewLine are nil
// when the line has no position on that side.
type Line struct {
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
	OldLine *int   `json:"old_line,omitempty"`
	NewLine *int   `json:"new_line,omitempty"`
}

// Stats summarizes a parsed diff.
type Stats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Hunks   int `json:"hunks"`
	Files   int `json:"files"`
}

// Parse splits diffText on newlines and classifies every line. It never fails:
// malformed input degrades to context lines. A trailing newline does not
// produce an extra empty line.
func Parse(diffText string) []Line {
	var out []Line
	for l := range Lines(diffText) {
		out = append(out, l)
	}
	return out
}

// Lines yields the same sequence as Parse. Each call starts a fresh pass.
func Lines(diffText string) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		if diffText == "" {
			return
		}
		raw := strings.Split(diffText, "\n")
		if raw[len(raw)-1] == "" {
			raw = raw[:len(raw)-1]
		}

		oldNo, newNo := 0, 0
		for _, text := range raw {
			var l Line
			switch {
			case strings.HasPrefix(text, "---"), strings.HasPrefix(text, "+++"):
				l = Line{Kind: KindFileHeader, Content: text}
			case strings.HasPrefix(text, "@@"):
				oldNo, newNo = hunkStart(text)
				l = Line{Kind: KindHunkHeader, Content: text}
			case strings.HasPrefix(text, "+"):
				l = Line{Kind: KindAdded, Content: text[1:], NewLine: intPtr(newNo)}
				newNo++
			case strings.HasPrefix(text, "-"):
				l = Line{Kind: KindRemoved, Content: text[1:], OldLine: intPtr(oldNo)}
				oldNo++
			case text == "" || strings.HasPrefix(text, " "):
				l = Line{Kind: KindContext, Content: strings.TrimPrefix(text, " "), OldLine: intPtr(oldNo), NewLine: intPtr(newNo)}
				oldNo++
				newNo++
			default:
				l = Line{Kind: KindContext, Content: text, OldLine: intPtr(oldNo), NewLine: intPtr(newNo)}
				oldNo++
				newNo++
			}
			if !yield(l) {
				return
			}
		}
	}
}

// hunkStart extracts the old and new start lines from "@@ -a[,b] +c[,d] @@".
// Anything it cannot read yields 1, 1.
func hunkStart(header string) (int, int) {
	fields := strings.Fields(header)
	if len(fields) < 3 {
		return 1, 1
	}
	oldStart, errOld := rangeStart(fields[1], "-")
	newStart, errNew := rangeStart(fields[2], "+")
	if errOld != nil || errNew != nil {
		return 1, 1
	}
	return oldStart, newStart
}

func rangeStart(field, sign string) (int, error) {
	start, _, _ := strings.Cut(strings.TrimPrefix(field, sign), ",")
	n, err := strconv.Atoi(start)
	if err != nil {
		return 0, err //nolint:wrapcheck // caller falls back
	}
	return n, nil
}

// hunkRange reads the full "-a,b" range of a header. A missing count is 1.
func hunkRange(field, sign string) (start, count int, ok bool) {
	if !strings.HasPrefix(field, sign) {
		return 0, 0, false
	}
	s, c, hasCount := strings.Cut(field[1:], ",")
	start, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	count = 1
	if hasCount {
		if count, err = strconv.Atoi(c); err != nil {
			return 0, 0, false
		}
	}
	return start, count, true
}

// FilePaths returns the distinct paths named by the "---" and "+++" headers,
// in order of first appearance. The a/ and b/ prefixes, trailing timestamps
// and /dev/null are dropped.
func FilePaths(diffText string) []string {
	var paths []string
	seen := make(map[string]bool)
	for l := range Lines(diffText) {
		if l.Kind != KindFileHeader {
			continue
		}
		p := headerPath(l.Content)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}

func headerPath(header string) string {
	p := strings.TrimSpace(header[3:])
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	if p == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		p = p[2:]
	}
	return p
}

// ComputeStats counts additions, removals, hunks and files.
func ComputeStats(lines []Line) Stats {
	var s Stats
	for i := range lines {
		switch lines[i].Kind {
		case KindAdded:
			s.Added++
		case KindRemoved:
			s.Removed++
		case KindHunkHeader:
			s.Hunks++
		case KindFileHeader:
			if strings.HasPrefix(lines[i].Content, "+++") {
				s.Files++
			}
		case KindContext:
		}
	}
	return s
}

// Reconstruct rebuilds diff text from parsed lines.
func Reconstruct(lines []Line) string {
	var b strings.Builder
	for i := range lines {
		switch lines[i].Kind {
		case KindAdded:
			b.WriteByte('+')
		case KindRemoved:
			b.WriteByte('-')
		case KindContext:
			b.WriteByte(' ')
		case KindHunkHeader, KindFileHeader:
		}
		b.WriteString(lines[i].Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func intPtr(n int) *int {
	return &n
}
