package sqltext

import (
	"regexp"
	"strings"
)

// DefaultSummaryWidth is the summary width used when none is given.
const DefaultSummaryWidth = 86

const summaryHead = 30

var (
	whitespace = regexp.MustCompile(`\s+`)
	sourceRe   = regexp.MustCompile(`(?i)\b(from|join)[^\w]`)
	subqueryRe = regexp.MustCompile(`(?i)^(from|join)\s*\(`)
)

// Summarize renders query on one line for log output. Long queries keep
// their head and a window starting at the first FROM or JOIN that is not a
// subquery, so the source tables stay visible.
func Summarize(query string, width int) string {
	if width < summaryHead+10 {
		width = DefaultSummaryWidth
	}
	q := strings.TrimSpace(whitespace.ReplaceAllString(query, " "))
	if len(q) <= width {
		return q
	}

	pos := -1
	for _, loc := range sourceRe.FindAllStringIndex(q, -1) {
		if pos < 0 {
			pos = loc[0]
		}
		if !subqueryRe.MatchString(q[loc[0]:]) {
			pos = loc[0]
			break
		}
	}

	if pos < summaryHead {
		return q[:width-3] + "..."
	}

	window := width - summaryHead - 6
	if len(q) > pos+window+5 {
		return q[:summaryHead] + "..." + q[pos:pos+window] + "..."
	}
	return q[:summaryHead] + "..." + q[pos:]
}
