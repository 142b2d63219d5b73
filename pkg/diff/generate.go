package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContextLines is the number of unchanged lines around each change.
const DefaultContextLines = 3

type op struct {
	kind Kind
	text string
}

// Generate produces a unified diff turning oldContent into newContent. An
// empty string means the contents are identical.
func Generate(oldContent, newContent, path string) string {
	return GenerateWithContext(oldContent, newContent, path, DefaultContextLines)
}

// GenerateWithContext is Generate with an explicit context size.
func GenerateWithContext(oldContent, newContent, path string, contextLines int) string {
	if oldContent == newContent {
		return ""
	}
	if contextLines < 0 {
		contextLines = 0
	}

	ops := lineOps(oldContent, newContent)

	oldHeader := "a/" + path
	if oldContent == "" {
		oldHeader = "/dev/null"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ b/%s\n", oldHeader, path)

	// oldBefore[i] and newBefore[i] count the lines on each side preceding ops[i].
	oldBefore := make([]int, len(ops)+1)
	newBefore := make([]int, len(ops)+1)
	for i, o := range ops {
		oldBefore[i+1] = oldBefore[i]
		newBefore[i+1] = newBefore[i]
		if o.kind != KindAdded {
			oldBefore[i+1]++
		}
		if o.kind != KindRemoved {
			newBefore[i+1]++
		}
	}

	for _, r := range hunkRanges(ops, contextLines) {
		start, end := r[0], r[1]
		oldCount := oldBefore[end] - oldBefore[start]
		newCount := newBefore[end] - newBefore[start]
		oldStart := oldBefore[start] + 1
		if oldCount == 0 {
			oldStart = oldBefore[start]
		}
		newStart := newBefore[start] + 1
		if newCount == 0 {
			newStart = newBefore[start]
		}
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		for _, o := range ops[start:end] {
			switch o.kind {
			case KindAdded:
				b.WriteByte('+')
			case KindRemoved:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(o.text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// lineOps runs a line-mode diff and flattens it to one op per line.
func lineOps(oldContent, newContent string) []op {
	dmp := diffmatchpatch.New()
	a, bb, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, bb, false), lineArray)

	var ops []op
	for _, d := range diffs {
		kind := KindContext
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = KindAdded
		case diffmatchpatch.DiffDelete:
			kind = KindRemoved
		case diffmatchpatch.DiffEqual:
		}
		for _, line := range splitContent(d.Text) {
			ops = append(ops, op{kind: kind, text: line})
		}
	}
	return ops
}

// hunkRanges groups changed ops into [start, end) windows padded with context.
// Changes separated by at most 2*contextLines unchanged lines share a hunk.
func hunkRanges(ops []op, contextLines int) [][2]int {
	var ranges [][2]int
	for i := 0; i < len(ops); i++ {
		if ops[i].kind == KindContext {
			continue
		}
		start := max(i-contextLines, 0)
		last := i
		for j := i + 1; j < len(ops); j++ {
			if ops[j].kind == KindContext {
				if j-last > 2*contextLines {
					break
				}
				continue
			}
			last = j
		}
		end := min(last+contextLines+1, len(ops))
		if n := len(ranges); n > 0 && start <= ranges[n-1][1] {
			ranges[n-1][1] = end
		} else {
			ranges = append(ranges, [2]int{start, end})
		}
		i = last
	}
	return ranges
}
