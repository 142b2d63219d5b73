package diff

import (
	"errors"
	"fmt"
	"strings"
)

// ErrHunkMismatch is returned when a hunk's context does not match the file.
var ErrHunkMismatch = errors.New("hunk does not match file content")

// ErrNoHunks is returned when the diff contains nothing to apply.
var ErrNoHunks = errors.New("diff contains no hunks")

type hunk struct {
	header   string
	oldStart int
	oldLines []string // context and removed lines, in order
	newLines []string // context and added lines, in order
}

// Apply applies every hunk of diffText to original and returns the result.
// Hunks are located at their stated position first and, failing that, by
// searching forward for their context. Trailing whitespace is ignored when
// matching.
func Apply(original, diffText string) (string, error) {
	hunks := parseHunks(diffText)
	if len(hunks) == 0 {
		return "", ErrNoHunks
	}

	src := splitContent(original)
	out := make([]string, 0, len(src))
	cursor := 0

	for _, h := range hunks {
		pos, ok := locate(src, cursor, h)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrHunkMismatch, h.header)
		}
		out = append(out, src[cursor:pos]...)
		out = append(out, h.newLines...)
		cursor = pos + len(h.oldLines)
	}
	out = append(out, src[cursor:]...)

	if len(out) == 0 {
		return "", nil
	}
	result := strings.Join(out, "\n")
	if original == "" || strings.HasSuffix(original, "\n") {
		result += "\n"
	}
	return result, nil
}

func splitContent(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func parseHunks(diffText string) []hunk {
	var hunks []hunk
	var cur *hunk

	for _, text := range splitContent(diffText) {
		switch {
		case strings.HasPrefix(text, "@@"):
			hunks = append(hunks, hunk{header: text, oldStart: headerOldStart(text)})
			cur = &hunks[len(hunks)-1]
		case cur == nil:
			// file headers and preamble
		case strings.HasPrefix(text, "---") && len(cur.oldLines)+len(cur.newLines) == 0,
			strings.HasPrefix(text, "+++") && len(cur.oldLines)+len(cur.newLines) == 0:
		case strings.HasPrefix(text, "+"):
			cur.newLines = append(cur.newLines, text[1:])
		case strings.HasPrefix(text, "-"):
			cur.oldLines = append(cur.oldLines, text[1:])
		case strings.HasPrefix(text, `\`):
			// "\ No newline at end of file"
		default:
			line := strings.TrimPrefix(text, " ")
			cur.oldLines = append(cur.oldLines, line)
			cur.newLines = append(cur.newLines, line)
		}
	}
	return hunks
}

func headerOldStart(header string) int {
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return 0
	}
	start, _, ok := hunkRange(fields[1], "-")
	if !ok {
		return 0
	}
	return start
}

// locate returns the index in src where h.oldLines begin.
func locate(src []string, cursor int, h hunk) (int, bool) {
	want := h.oldStart - 1
	if len(h.oldLines) == 0 {
		want = h.oldStart
	}
	if want < cursor {
		want = cursor
	}
	if want > len(src) {
		want = len(src)
	}
	if matchesAt(src, want, h.oldLines) {
		return want, true
	}
	if len(h.oldLines) == 0 {
		return want, true
	}
	for i := cursor; i+len(h.oldLines) <= len(src); i++ {
		if matchesAt(src, i, h.oldLines) {
			return i, true
		}
	}
	return 0, false
}

func matchesAt(src []string, pos int, lines []string) bool {
	if pos+len(lines) > len(src) {
		return false
	}
	for i, l := range lines {
		if strings.TrimRight(src[pos+i], " \t\r") != strings.TrimRight(l, " \t\r") {
			return false
		}
	}
	return true
}
