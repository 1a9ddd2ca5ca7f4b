package wrap

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/creack/pty"
)

// DefaultCols/DefaultRows are the PTY fallback size when COLUMNS/LINES are
// unset or unparsable (spec §4.7 "fallback 80×24").
const (
	DefaultCols = 80
	DefaultRows = 24
)

// TerminalSize resolves the child's terminal size from the COLUMNS and
// LINES environment variables, falling back to 80x24.
func TerminalSize() (cols, rows int) {
	cols = envInt("COLUMNS", DefaultCols)
	rows = envInt("LINES", DefaultRows)
	return cols, rows
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Supervisor runs the wrapped child process, either attached to a
// pseudo-terminal or to inherited pipes (spec §4.7 "Child process").
type Supervisor struct {
	cmd         *exec.Cmd
	ptmx        *os.File
	usePTY      bool
	mouseFilter bool
}

// Start spawns name/args in dir with env, attaching a PTY sized cols x
// rows when usePTY is true, or inherited standard streams otherwise (spec
// §4.7 "PTY mode" / "Pipe fallback"). mouseFilter gates whether Pump
// strips terminal mouse-reporting sequences (spec §6.5 "mouse-filter
// enablement").
func Start(ctx context.Context, name string, args []string, dir string, env []string, usePTY, mouseFilter bool, cols, rows int) (*Supervisor, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env

	if !usePTY {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &Supervisor{cmd: cmd, usePTY: false}, nil
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}
	return &Supervisor{cmd: cmd, ptmx: ptmx, usePTY: true, mouseFilter: mouseFilter}, nil
}

// Resize updates the PTY window size; a no-op in pipe-fallback mode.
func (s *Supervisor) Resize(cols, rows int) error {
	if !s.usePTY {
		return nil
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Pump bidirectionally copies bytes between the real terminal and the
// child (PTY mode only; in pipe-fallback mode the child already owns the
// real std streams and Pump is a no-op), applying the mouse-sequence
// filters and feeding activity lines to onLine. It returns once both
// directions have finished.
func (s *Supervisor) Pump(stdin io.Reader, stdout io.Writer, onLine func(string)) {
	if !s.usePTY {
		return
	}
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		in := &InputFilter{}
		buf := make([]byte, 4096)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				out := chunk
				if s.mouseFilter {
					out = in.Filter(chunk)
				}
				if len(out) > 0 {
					_, _ = s.ptmx.Write(out)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		out := &OutputFilter{}
		splitter := &LineSplitter{}
		buf := make([]byte, 4096)
		for {
			n, err := s.ptmx.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				for _, line := range splitter.Feed(chunk) {
					if sanitized, ok := SanitizeActivityLine(line); ok {
						onLine(sanitized)
					}
				}
				if !s.mouseFilter {
					_, _ = stdout.Write(chunk)
				} else {
					forward, disable := out.Filter(chunk)
					if len(disable) > 0 {
						_, _ = stdout.Write(disable)
					}
					if len(forward) > 0 {
						_, _ = stdout.Write(forward)
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()
}

// Wait blocks for the child to exit and returns its exit code, forwarding
// it verbatim (spec §4.7 "forward the child exit code").
func (s *Supervisor) Wait() int {
	err := s.cmd.Wait()
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}
