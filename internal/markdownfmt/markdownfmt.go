// Package markdownfmt rewrites markdown constructs that chat transports
// render poorly. Tables become indented lists; everything inside fenced
// code blocks passes through untouched.
package markdownfmt

import (
	"strings"
)

// Tables converts markdown tables outside fenced code blocks into
// readable lists. A table is a header row, a separator row of dashes,
// and zero or more data rows. Each data row becomes a block of
// "header: value" lines.
func Tables(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	inFence := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if isFence(line) {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}

		if isTableRow(line) && i+1 < len(lines) && isSeparatorRow(lines[i+1]) {
			headers := splitRow(line)
			j := i + 2
			var rows [][]string
			for ; j < len(lines) && isTableRow(lines[j]); j++ {
				rows = append(rows, splitRow(lines[j]))
			}
			out = append(out, renderList(headers, rows)...)
			i = j - 1
			continue
		}

		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

func isFence(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

func isSeparatorRow(line string) bool {
	if !isTableRow(line) {
		return false
	}
	for _, cell := range splitRow(line) {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			return false
		}
		for _, r := range cell {
			if r != '-' && r != ':' {
				return false
			}
		}
	}
	return true
}

func splitRow(line string) []string {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "|")
	trimmed = strings.TrimSuffix(trimmed, "|")
	parts := strings.Split(trimmed, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func renderList(headers []string, rows [][]string) []string {
	var out []string
	for n, row := range rows {
		if n > 0 {
			out = append(out, "")
		}
		for i, cell := range row {
			if cell == "" {
				continue
			}
			header := ""
			if i < len(headers) {
				header = headers[i]
			}
			if i == 0 {
				out = append(out, "• "+cell)
				continue
			}
			if header != "" {
				out = append(out, "  "+header+": "+cell)
			} else {
				out = append(out, "  "+cell)
			}
		}
	}
	if len(out) == 0 {
		// Header-only table: render the headers as a single line.
		out = append(out, "• "+strings.Join(headers, " / "))
	}
	return out
}
