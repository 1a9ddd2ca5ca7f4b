// Package distill implements the T1 observer and T2 reflector (C5): a
// deterministic token-budgeted distillation of T0 compacts into observation
// and reflection artifacts, plus the lease-guarded worker loop that runs
// reflection as background jobs.
package distill

import (
	"unicode/utf8"

	"github.com/aoc/cockpit/internal/mindstore"
)

// estimateText implements the deterministic text token estimate (spec
// §4.5): max(1, chars/4).
func estimateText(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// estimateTool implements the deterministic tool metadata token estimate
// (spec §4.5): 14 + output_bytes/180.
func estimateTool(outputBytes int) int {
	return 14 + outputBytes/180
}

// estimateCompact is the per-event estimate for a T0 compact: max(1,
// text_est + tool_est) (spec §4.5).
func estimateCompact(c mindstore.T0Compact) int {
	total := 0
	if c.Text != nil {
		total += estimateText(*c.Text)
	}
	if c.ToolMeta != nil {
		total += estimateTool(c.ToolMeta.OutputBytes)
	}
	if total < 1 {
		return 1
	}
	return total
}

// estimateArtifactText is the same deterministic text estimate, reused for
// T2 chunking over T1 observation artifacts.
func estimateArtifactText(text string) int {
	return estimateText(text)
}
