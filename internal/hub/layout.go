package hub

import (
	"context"
	"time"
)

// layoutPollInterval is the steady-state poll cadence (spec §4.8 "Layout
// reconciliation": "A watcher polls the multiplexer (250 ms cadence)").
const layoutPollInterval = 250 * time.Millisecond

// layoutBackoffBase and layoutBackoffCap bound the failure backoff (spec
// §4.8: "150 ms × 2ⁿ, capped at a small multiple").
const (
	layoutBackoffBase = 150 * time.Millisecond
	layoutBackoffCap  = 8 * layoutBackoffBase
)

// PaneLister reports the set of currently realized pane ids in the
// multiplexer, one poll at a time.
type PaneLister interface {
	ListPanes(ctx context.Context, sessionID string) ([]string, error)
}

// RunLayoutWatcher polls lister for the realized pane set and removes any
// cached agent whose pane has closed, broadcasting a Remove delta for
// each. Poll failures back off exponentially and recover automatically
// without crashing the watcher (spec §4.8 "Layout reconciliation").
func (h *Hub) RunLayoutWatcher(ctx context.Context, lister PaneLister) {
	known := map[string]bool{}
	interval := layoutPollInterval
	failures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		panes, err := lister.ListPanes(ctx, h.sessionID)
		if err != nil {
			failures++
			interval = backoffFor(failures)
			h.logger.Warn("hub: layout poll failed", "error", err, "backoff", interval)
			timer.Reset(interval)
			continue
		}
		failures = 0
		interval = layoutPollInterval

		current := make(map[string]bool, len(panes))
		for _, p := range panes {
			current[p] = true
		}
		for pane := range current {
			known[pane] = true
		}
		var closed []string
		for pane := range known {
			if !current[pane] {
				closed = append(closed, pane)
			}
		}
		for _, pane := range closed {
			delete(known, pane)
			h.removeAgentsByPane(pane)
		}
		timer.Reset(interval)
	}
}

func backoffFor(failures int) time.Duration {
	d := layoutBackoffBase
	for i := 1; i < failures && d < layoutBackoffCap; i++ {
		d *= 2
	}
	if d > layoutBackoffCap {
		d = layoutBackoffCap
	}
	return d
}

// removeAgentsByPane removes every cached agent whose Pane label matches
// the closed pane id (spec §4.8: "For each closed pane, the hub removes
// any agent whose pane id matches").
func (h *Hub) removeAgentsByPane(pane string) {
	h.mu.Lock()
	var matched []string
	for id, s := range h.agents {
		if s.Pane == pane {
			matched = append(matched, id)
		}
	}
	h.mu.Unlock()
	for _, id := range matched {
		h.removeAgent(id)
	}
}
