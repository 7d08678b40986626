package shared

import "unicode/utf8"

// DefaultSnippetLen bounds message content copied into logs and task records.
const DefaultSnippetLen = 50

// Snippet truncates s to at most n runes, appending "..." when shortened.
func Snippet(s string, n int) string {
	if n <= 0 {
		n = DefaultSnippetLen
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
