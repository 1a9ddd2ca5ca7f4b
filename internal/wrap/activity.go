package wrap

import (
	"regexp"
	"strings"
	"time"
)

// maxActivityCarry bounds the unterminated-line buffer the line splitter
// carries across reads (spec §4.7 "carry ≤ 8 KiB").
const maxActivityCarry = 8 * 1024

// maxActivityLineLen truncates sanitized activity lines (spec §4.7
// "truncating to 140 characters").
const maxActivityLineLen = 140

// LineSplitter feeds a side channel of output bytes and emits completed
// lines delimited by \n or \r (spec §4.7 "Activity extraction").
type LineSplitter struct {
	carry []byte
}

// Feed appends data and returns every newly completed line. If the carry
// buffer would exceed maxActivityCarry without a delimiter, the oldest
// bytes are dropped to bound memory.
func (s *LineSplitter) Feed(data []byte) []string {
	buf := append(s.carry, data...)
	var lines []string
	start := 0
	for i, b := range buf {
		if b == '\n' || b == '\r' {
			lines = append(lines, string(buf[start:i]))
			start = i + 1
		}
	}
	rest := buf[start:]
	if len(rest) > maxActivityCarry {
		rest = rest[len(rest)-maxActivityCarry:]
	}
	s.carry = append([]byte{}, rest...)
	return lines
}

var ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b[()][0-9A-Za-z]|\x1b.`)
var whitespaceRunPattern = regexp.MustCompile(`\s+`)

// SanitizeActivityLine strips ANSI escapes and control characters,
// collapses whitespace, and truncates to 140 characters (spec §4.7). It
// returns ok=false for lines that should be dropped: empty, or literally
// "exit".
func SanitizeActivityLine(raw string) (line string, ok bool) {
	stripped := ansiEscapePattern.ReplaceAllString(raw, "")
	var b strings.Builder
	for _, r := range stripped {
		if r == '\t' || r == ' ' || r >= 0x20 {
			if (r < 0x20 && r != '\t') || r == 0x7f {
				continue
			}
			b.WriteRune(r)
		}
	}
	collapsed := strings.TrimSpace(whitespaceRunPattern.ReplaceAllString(b.String(), " "))
	if collapsed == "" || collapsed == "exit" {
		return "", false
	}
	if len(collapsed) > maxActivityLineLen {
		collapsed = truncateRunes(collapsed, maxActivityLineLen)
	}
	return collapsed, true
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// activityDebounceInterval bounds status emission to at most one envelope
// per interval (spec §4.7 "Status throttling").
const activityDebounceInterval = 1200 * time.Millisecond

// ActivityDebouncer holds at most one pending activity line and reports
// whether a caller should emit now, suppressing identical back-to-back
// messages (spec §4.7).
type ActivityDebouncer struct {
	pending    string
	hasPending bool
	lastSent   string
	lastSentAt time.Time
	now        func() time.Time
}

// NewActivityDebouncer builds a debouncer using now for its clock (real
// time.Now in production, overridable in tests).
func NewActivityDebouncer(now func() time.Time) *ActivityDebouncer {
	if now == nil {
		now = time.Now
	}
	return &ActivityDebouncer{now: now}
}

// Push records line as the latest pending activity, replacing any earlier
// unsent pending line (spec §4.7 "keeps at most one pending activity
// line").
func (d *ActivityDebouncer) Push(line string) {
	d.pending = line
	d.hasPending = true
}

// Poll returns the line to emit now, if the debounce interval has elapsed,
// a pending line exists, and it differs from the last emitted line.
func (d *ActivityDebouncer) Poll() (string, bool) {
	if !d.hasPending {
		return "", false
	}
	now := d.now()
	if now.Sub(d.lastSentAt) < activityDebounceInterval {
		return "", false
	}
	line := d.pending
	d.hasPending = false
	if line == d.lastSent {
		return "", false
	}
	d.lastSent = line
	d.lastSentAt = now
	return line, true
}
