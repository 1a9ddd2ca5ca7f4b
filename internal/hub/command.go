package hub

import (
	"container/list"
	"sync"
	"time"

	"github.com/aoc/cockpit/internal/envelope"
)

const (
	defaultCommandCacheTTL  = 30 * time.Second
	defaultCommandCacheSize = 1024
)

type commandCacheKey struct {
	connID    string
	requestID string
}

type commandCacheEntry struct {
	key      commandCacheKey
	result   CommandResultPayload
	expireAt time.Time
}

// commandCache deduplicates repeated (conn_id, request_id) commands for a
// bounded TTL with FIFO eviction once the map grows past its size cap
// (spec §4.8 "A command cache keyed by (conn_id, request_id)...").
type commandCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	index map[commandCacheKey]*list.Element
	order *list.List // front = oldest
}

func newCommandCache(ttl time.Duration, max int) *commandCache {
	return &commandCache{ttl: ttl, max: max, index: map[commandCacheKey]*list.Element{}, order: list.New()}
}

// get returns the cached result for key, if present and not yet expired.
func (c *commandCache) get(key commandCacheKey, now time.Time) (CommandResultPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return CommandResultPayload{}, false
	}
	entry := el.Value.(*commandCacheEntry)
	if now.After(entry.expireAt) {
		c.order.Remove(el)
		delete(c.index, key)
		return CommandResultPayload{}, false
	}
	return entry.result, true
}

// put stores result for key, evicting the oldest entry if the cache is at
// capacity.
func (c *commandCache) put(key commandCacheKey, result CommandResultPayload, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
	for len(c.index) >= c.max {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*commandCacheEntry).key)
	}
	entry := &commandCacheEntry{key: key, result: result, expireAt: now.Add(c.ttl)}
	c.index[key] = c.order.PushBack(entry)
}

// Multiplexer abstracts the terminal multiplexer shell-out used for
// focus_tab (spec §4.8 "executed locally by the hub (shell-out to the
// multiplexer)").
type Multiplexer interface {
	FocusTab(sessionID string, tabIndex int, tabName string) error
}

// HandleCommand executes or routes a `command` envelope per spec §4.8
// "Command routing", honoring the (conn_id, request_id) idempotency cache.
func (h *Hub) HandleCommand(connID string, mux Multiplexer, p CommandPayload) CommandResultPayload {
	key := commandCacheKey{connID: connID, requestID: p.RequestID}
	now := h.now()
	if cached, ok := h.commands.get(key, now); ok {
		return cached
	}

	var result CommandResultPayload
	switch p.Name {
	case CommandFocusTab:
		result = h.execFocusTab(mux, p)
	case CommandStopAgent:
		result = h.execStopAgent(p)
	default:
		result = CommandResultPayload{RequestID: p.RequestID, Status: ResultRejected, Code: string(envelope.CodeUnsupportedCommand), Message: p.Name}
	}

	h.commands.put(key, result, now)
	return result
}

func (h *Hub) execFocusTab(mux Multiplexer, p CommandPayload) CommandResultPayload {
	if mux == nil {
		return CommandResultPayload{RequestID: p.RequestID, Status: ResultRejected, Code: string(envelope.CodeFocusFailed), Message: "no multiplexer configured"}
	}
	tabIndex, hasIdx := p.Args["tab_index"].(float64)
	tabName, _ := p.Args["tab_name"].(string)
	if !hasIdx && tabName == "" {
		return CommandResultPayload{RequestID: p.RequestID, Status: ResultRejected, Code: string(envelope.CodeInvalidArgs), Message: "tab_index or tab_name required"}
	}
	if err := mux.FocusTab(h.sessionID, int(tabIndex), tabName); err != nil {
		return CommandResultPayload{RequestID: p.RequestID, Status: ResultRejected, Code: string(envelope.CodeFocusFailed), Message: err.Error()}
	}
	return CommandResultPayload{RequestID: p.RequestID, Status: ResultAccepted}
}

func (h *Hub) execStopAgent(p CommandPayload) CommandResultPayload {
	targetAgentID, _ := p.Args["target_agent_id"].(string)
	if targetAgentID == "" {
		return CommandResultPayload{RequestID: p.RequestID, Status: ResultRejected, Code: string(envelope.CodeInvalidArgs), Message: "target_agent_id required"}
	}
	if !envelope.BelongsToSession(targetAgentID, h.sessionID) {
		return CommandResultPayload{RequestID: p.RequestID, Status: ResultRejected, Code: string(envelope.CodeInvalidTarget), Message: "target must be within session"}
	}
	targets := h.publishersFor(targetAgentID)
	if len(targets) == 0 {
		return CommandResultPayload{RequestID: p.RequestID, Status: ResultRejected, Code: string(envelope.CodePublisherMissing), Message: "no publisher for " + targetAgentID}
	}
	cmd, err := envelope.New(envelope.TypeCommand, h.sessionID, "hub", p)
	if err == nil {
		cmd.RequestID = p.RequestID
		for _, t := range targets {
			t.send(cmd)
		}
	}
	return CommandResultPayload{RequestID: p.RequestID, Status: ResultAccepted}
}
