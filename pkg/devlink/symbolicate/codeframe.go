package symbolicate

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	linesAbove = 2
	linesBelow = 3
)

// renderCodeFrame renders the lines around row (1-based) of source with a
// marker on row and a caret under column (0-based):
//
//	  10 |   const a = 1;
//	  11 |
//	> 12 |   throw new Error('boom');
//	     |   ^
//	  13 | }
func renderCodeFrame(source []byte, row, column int) (string, error) {
	lines := strings.Split(strings.ReplaceAll(string(source), "\r\n", "\n"), "\n")
	if row < 1 || row > len(lines) {
		return "", fmt.Errorf("line %d out of range, source has %d lines", row, len(lines))
	}

	first := max(1, row-linesAbove)
	last := min(len(lines), row+linesBelow)
	width := len(strconv.Itoa(last))

	var b strings.Builder
	for n := first; n <= last; n++ {
		line := lines[n-1]
		marker := "  "
		if n == row {
			marker = "> "
		}

		gutter := fmt.Sprintf("%s%*d |", marker, width, n)
		if line == "" {
			b.WriteString(gutter)
		} else {
			b.WriteString(gutter + " " + line)
		}
		b.WriteByte('\n')

		if n == row {
			b.WriteString("  " + strings.Repeat(" ", width) + " | " + caretIndent(line, column) + "^\n")
		}
	}

	return strings.TrimSuffix(b.String(), "\n"), nil
}

// caretIndent returns whitespace as wide as the first column characters of
// line, keeping tabs so the caret lines up however tabs are rendered.
func caretIndent(line string, column int) string {
	runes := []rune(line)
	column = max(0, min(column, len(runes)))

	var b strings.Builder
	for _, r := range runes[:column] {
		if r == '\t' {
			b.WriteRune('\t')
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}
