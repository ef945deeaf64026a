package tgui

import (
	"strings"
	"unicode/utf8"
)

// TruncRunes returns s cut to at most n runes, with "…" appended when
// anything was removed.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}

// Preview flattens s to one line (runs of whitespace become one space) and
// truncates it to n runes. Used to echo message text back to operators.
func Preview(s string, n int) string {
	return TruncRunes(strings.Join(strings.Fields(s), " "), n)
}
