package attribution

import (
	"regexp"
	"sort"
	"strings"
)

// Mention patterns from spec §4.6 step 2: "task #?<digits>",
// "(tm|aoc-task) (status|done|start|resume|show) <digits>", "[<digits>]".
var (
	mentionHashPattern    = regexp.MustCompile(`\btask\s+#?(\d+)\b`)
	mentionCommandPattern = regexp.MustCompile(`\b(?:tm|aoc-task)\s+(?:status|done|start|resume|show)\s+(\d+)\b`)
	mentionBracketPattern = regexp.MustCompile(`\[(\d+)\]`)
)

// mentionedTaskIDs extracts every task id referenced by any mention pattern
// in text, deduplicated and sorted.
func mentionedTaskIDs(text string) []string {
	var ids []string
	for _, pattern := range []*regexp.Regexp{mentionHashPattern, mentionCommandPattern, mentionBracketPattern} {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			ids = append(ids, m[1])
		}
	}
	return sortedUnique(ids)
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func containsAny(s string, words []string) bool {
	lower := strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
