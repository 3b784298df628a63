// Package util holds small string helpers shared across the codebase.
package util

import "strings"

// SplitCSV splits a comma-separated string into trimmed, non-empty
// parts. Returns nil for an empty string.
func SplitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Truncate shortens s to at most n runes, appending an ellipsis when it
// was cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
