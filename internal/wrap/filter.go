// Package wrap implements the agent wrap (C7): the PTY supervisor that
// runs a child agent process, filters terminal mouse-reporting sequences,
// extracts and throttles an activity line, and publishes periodic status
// to the session hub.
package wrap

import "bytes"

const (
	esc = 0x1b
	csi = '['
)

// mouseParams are the DEC private mode parameters that enable some form of
// mouse reporting; an output CSI-`?`...`h|l` sequence naming any of these
// is dropped (spec §4.7 "Control-sequence filter").
var mouseParams = map[string]bool{
	"1000": true, "1002": true, "1003": true, "1004": true,
	"1005": true, "1006": true, "1007": true, "1015": true,
}

// disableMouseSequence is emitted to the real stdout whenever an output
// mouse-enable sequence is dropped, returning the terminal to a sane state
// (spec §4.7).
var disableMouseSequence = []byte("\x1b[?1000;1002;1003;1005;1006;1015l")

// InputFilter removes SGR-mouse (CSI-`<`...`M`/`m`) and X10-mouse (CSI-`M`
// + 3 bytes) sequences from child-bound input, carrying an unclosed
// prefix across calls (spec §4.7: "carrying forward any unclosed prefix
// across read boundaries").
type InputFilter struct {
	pending []byte
}

// Filter processes data and returns the bytes that should be forwarded to
// the child. Call Flush at EOF to release any pending partial sequence.
func (f *InputFilter) Filter(data []byte) []byte {
	buf := append(f.pending, data...)
	f.pending = nil

	var out []byte
	i := 0
	for i < len(buf) {
		if buf[i] != esc {
			out = append(out, buf[i])
			i++
			continue
		}
		// Possible escape sequence; determine how much of it we have.
		consumed, isMouse, complete := matchMouseSequence(buf[i:])
		if !complete {
			f.pending = append([]byte{}, buf[i:]...)
			return out
		}
		if !isMouse {
			out = append(out, buf[i:i+consumed]...)
		}
		i += consumed
	}
	return out
}

// Flush returns any buffered partial sequence verbatim (treated as
// ordinary bytes once no more input is coming) and resets the filter.
func (f *InputFilter) Flush() []byte {
	out := f.pending
	f.pending = nil
	return out
}

// matchMouseSequence inspects buf (which starts with ESC) and reports how
// many bytes the leading escape sequence occupies, whether it is a mouse
// sequence to drop, and whether enough bytes are present to decide.
func matchMouseSequence(buf []byte) (consumed int, isMouse bool, complete bool) {
	if len(buf) < 2 {
		return 0, false, false
	}
	if buf[1] != csi {
		return 1, false, true // lone ESC, not a CSI sequence we track
	}
	if len(buf) < 3 {
		return 0, false, false
	}
	switch buf[2] {
	case '<':
		// SGR mouse: ESC [ < params M|m
		for i := 3; i < len(buf); i++ {
			if buf[i] == 'M' || buf[i] == 'm' {
				return i + 1, true, true
			}
		}
		return 0, false, false
	case 'M':
		// X10 mouse: ESC [ M + 3 bytes.
		if len(buf) < 6 {
			return 0, false, false
		}
		return 6, true, true
	default:
		// Not a mouse-reporting CSI sequence; pass the ESC through alone so
		// the rest is re-scanned on the next iteration.
		return 1, false, true
	}
}

// OutputFilter parses CSI-`?`...`h`/`l` sequences in agent-bound output and
// drops any whose parameter set intersects the DEC mouse-reporting modes,
// emitting a disable-mouse sequence to keep the real terminal sane (spec
// §4.7).
type OutputFilter struct {
	pending []byte
}

// Filter processes data and returns (forward, disableSeqs): forward is
// what should reach the wrapped terminal's normal output path; disableSeqs
// is any disable-mouse sequence that must be written directly.
func (f *OutputFilter) Filter(data []byte) (forward, disableSeqs []byte) {
	buf := append(f.pending, data...)
	f.pending = nil

	var out, disables []byte
	i := 0
	for i < len(buf) {
		if buf[i] != esc {
			out = append(out, buf[i])
			i++
			continue
		}
		consumed, params, isPrivateMode, complete := matchPrivateModeSequence(buf[i:])
		if !complete {
			f.pending = append([]byte{}, buf[i:]...)
			return out, disables
		}
		if isPrivateMode && intersectsMouseParams(params) {
			disables = append(disables, disableMouseSequence...)
		} else {
			out = append(out, buf[i:i+consumed]...)
		}
		i += consumed
	}
	return out, disables
}

// Flush releases any buffered partial sequence, treated as ordinary bytes.
func (f *OutputFilter) Flush() []byte {
	out := f.pending
	f.pending = nil
	return out
}

// matchPrivateModeSequence inspects buf (starting with ESC) for a DEC
// private-mode CSI-`?`...`h|l` sequence, returning its raw parameter
// string when found.
func matchPrivateModeSequence(buf []byte) (consumed int, params string, isPrivateMode bool, complete bool) {
	if len(buf) < 2 {
		return 0, "", false, false
	}
	if buf[1] != csi {
		return 1, "", false, true
	}
	if len(buf) < 3 {
		return 0, "", false, false
	}
	if buf[2] != '?' {
		// Not a private-mode sequence; find its terminator (a byte in
		// 0x40-0x7e) so we can pass it through whole.
		for i := 3; i < len(buf); i++ {
			if buf[i] >= 0x40 && buf[i] <= 0x7e {
				return i + 1, "", false, true
			}
		}
		return 0, "", false, false
	}
	for i := 3; i < len(buf); i++ {
		if buf[i] == 'h' || buf[i] == 'l' {
			return i + 1, string(buf[3:i]), true, true
		}
	}
	return 0, "", false, false
}

func intersectsMouseParams(params string) bool {
	for _, p := range bytes.Split([]byte(params), []byte(";")) {
		if mouseParams[string(p)] {
			return true
		}
	}
	return false
}
