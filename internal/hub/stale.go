package hub

import (
	"context"
	"time"
)

// staleTickInterval derives the reaper's ticker interval from staleAfter
// (spec §4.8 "A ticker at interval max(100 ms, stale_after/2)").
func staleTickInterval(staleAfter time.Duration) time.Duration {
	half := staleAfter / 2
	if half < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return half
}

// RunStaleReaper ticks until ctx is done, removing (and broadcasting the
// removal of) any agent whose last heartbeat exceeds staleAfter.
func (h *Hub) RunStaleReaper(ctx context.Context) {
	ticker := time.NewTicker(staleTickInterval(h.staleAfter))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

func (h *Hub) reapStale() {
	now := h.now()
	h.mu.Lock()
	var stale []string
	for id, s := range h.agents {
		if now.Sub(s.LastHeartbeat) > h.staleAfter {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()
	for _, id := range stale {
		h.removeAgent(id)
	}
}

// HandlePublisherDisconnect is called when a publisher connection for
// agentID closes with the given reason. If it was the agent's last
// publisher, the hub synthesizes and broadcasts an offline agent_status
// preserving prior pane/project/cwd labels (spec §4.8 "Stale reaper").
func (h *Hub) HandlePublisherDisconnect(agentID, connID, reason string) {
	if !h.unregisterPublisher(agentID, connID) {
		return
	}
	status, ok := h.offlineStatusFor(agentID, "disconnect:"+reason)
	if !ok {
		return
	}
	h.upsertAgentStatus(status)
}
