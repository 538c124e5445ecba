// Package strings carries small string helpers shared across the proxy.
package strings

import (
	"strings"
)

// DefaultDescriptionMaxLen is the default cap for tool descriptions in
// listing output.
const DefaultDescriptionMaxLen = 60

// MinTruncateLen is the smallest accepted maxLen; anything shorter leaves no
// room for content plus the ellipsis.
const MinTruncateLen = 4

// TruncateDescription flattens a description to a single line and caps it at
// maxLen runes, appending "..." when content was dropped. Newlines and runs
// of whitespace collapse to single spaces, and slicing is rune-based so
// multi-byte characters never get cut in half.
func TruncateDescription(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
