package wrap

import (
	"testing"
	"time"
)

func TestLineSplitter_SplitsOnNewlineAndCarriageReturn(t *testing.T) {
	s := &LineSplitter{}
	lines := s.Feed([]byte("foo\nbar\rbaz"))
	want := []string{"foo", "bar"}
	if len(lines) != len(want) {
		t.Fatalf("Feed() = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestLineSplitter_CarriesUnterminatedTail(t *testing.T) {
	s := &LineSplitter{}
	if lines := s.Feed([]byte("partial")); len(lines) != 0 {
		t.Fatalf("Feed() = %v, want no lines yet", lines)
	}
	lines := s.Feed([]byte(" line\n"))
	if len(lines) != 1 || lines[0] != "partial line" {
		t.Fatalf("Feed() = %v, want [%q]", lines, "partial line")
	}
}

func TestLineSplitter_BoundsCarryBuffer(t *testing.T) {
	s := &LineSplitter{}
	big := make([]byte, maxActivityCarry*2)
	for i := range big {
		big[i] = 'x'
	}
	s.Feed(big)
	if len(s.carry) > maxActivityCarry {
		t.Fatalf("carry len = %d, want <= %d", len(s.carry), maxActivityCarry)
	}
}

func TestSanitizeActivityLine(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", "running tests", "running tests", true},
		{"ansi color", "\x1b[32mok\x1b[0m", "ok", true},
		{"collapses whitespace", "a   b\tc", "a b c", true},
		{"empty after strip", "\x1b[0m", "", false},
		{"drops literal exit", "exit", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := SanitizeActivityLine(c.in)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestSanitizeActivityLine_Truncates(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "a"
	}
	got, ok := SanitizeActivityLine(long)
	if !ok {
		t.Fatal("expected ok=true for long but non-empty line")
	}
	if len(got) != maxActivityLineLen {
		t.Errorf("len(got) = %d, want %d", len(got), maxActivityLineLen)
	}
}

func TestActivityDebouncer_SuppressesWithinInterval(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewActivityDebouncer(func() time.Time { return now })

	d.Push("first")
	line, ok := d.Poll()
	if !ok || line != "first" {
		t.Fatalf("first Poll() = (%q, %v), want (%q, true)", line, ok, "first")
	}

	d.Push("second")
	now = now.Add(500 * time.Millisecond)
	if _, ok := d.Poll(); ok {
		t.Fatal("expected Poll() to suppress within the debounce interval")
	}

	now = now.Add(activityDebounceInterval)
	line, ok = d.Poll()
	if !ok || line != "second" {
		t.Fatalf("Poll() after interval = (%q, %v), want (%q, true)", line, ok, "second")
	}
}

func TestActivityDebouncer_SuppressesDuplicate(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewActivityDebouncer(func() time.Time { return now })

	d.Push("same")
	d.Poll()

	now = now.Add(activityDebounceInterval)
	d.Push("same")
	if _, ok := d.Poll(); ok {
		t.Fatal("expected duplicate line to be suppressed")
	}
}

func TestActivityDebouncer_NoPendingLine(t *testing.T) {
	d := NewActivityDebouncer(nil)
	if _, ok := d.Poll(); ok {
		t.Fatal("expected Poll() to report false with no pending line")
	}
}
