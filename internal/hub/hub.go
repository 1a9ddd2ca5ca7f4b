package hub

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aoc/cockpit/internal/envelope"
)

// DefaultStaleAfter is the default interval after which an agent with no
// heartbeat is reaped (spec §4.8 "Stale reaper").
const DefaultStaleAfter = 30 * time.Second

// DefaultQueueCapacity bounds each subscriber's outbound queue (spec §5
// "Shared resources").
const DefaultQueueCapacity = 256

// wsSender is satisfied by a registered WebSocket connection; send returns
// false if the envelope could not be delivered (queue full or write
// timeout), which triggers unregistration.
type wsSender interface {
	connID() string
	send(e *envelope.Envelope) bool
}

// pulseSender is satisfied by a registered UDS pulse subscriber.
type pulseSender interface {
	connID() string
	sendSnapshot(SnapshotPayload) bool
	sendDelta(DeltaPayload) bool
}

// Hub is the per-session fan-out and routing core shared by the WebSocket
// legacy surface and the UDS pulse protocol (spec §4.8).
type Hub struct {
	sessionID  string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	agents     map[string]*AgentState
	seq        uint64
	subs       map[string]wsSender
	publishers map[string]map[string]wsSender // agentID -> connID -> sender
	pulseSubs  map[string]pulseSender

	commands *commandCache
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithStaleAfter overrides the stale-agent threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.staleAfter = d
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// New builds a Hub for sessionID.
func New(sessionID string, opts ...Option) *Hub {
	h := &Hub{
		sessionID:  sessionID,
		staleAfter: DefaultStaleAfter,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
		now:        time.Now,
		agents:     map[string]*AgentState{},
		subs:       map[string]wsSender{},
		publishers: map[string]map[string]wsSender{},
		pulseSubs:  map[string]pulseSender{},
		commands:   newCommandCache(defaultCommandCacheTTL, defaultCommandCacheSize),
	}
	return h
}

// SessionID returns the hub's session id.
func (h *Hub) SessionID() string { return h.sessionID }

// snapshot returns the current agent states in stable (agent id) order and
// the sequence number they were read at (spec §4.8 "Caches & snapshots").
func (h *Hub) snapshot() (uint64, []AgentState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]AgentState, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.agents[id].clone())
	}
	return h.seq, out
}

// registerSubscriber adds a WS subscriber and returns the snapshot burst it
// should receive immediately.
func (h *Hub) registerSubscriber(s wsSender) []AgentState {
	h.mu.Lock()
	h.subs[s.connID()] = s
	h.mu.Unlock()
	_, states := h.snapshot()
	return states
}

func (h *Hub) unregisterSubscriber(connID string) {
	h.mu.Lock()
	delete(h.subs, connID)
	h.mu.Unlock()
}

// registerPublisher adds a publisher connection for agentID.
func (h *Hub) registerPublisher(agentID string, s wsSender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.publishers[agentID] == nil {
		h.publishers[agentID] = map[string]wsSender{}
	}
	h.publishers[agentID][s.connID()] = s
}

// unregisterPublisher removes a publisher connection. If it was the last
// publisher for its agent, the caller should synthesize an offline
// agent_status (spec §4.8 "Stale reaper": disconnect handling).
func (h *Hub) unregisterPublisher(agentID, connID string) (wasLast bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.publishers[agentID]
	if conns == nil {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.publishers, agentID)
		return true
	}
	return false
}

func (h *Hub) publishersFor(agentID string) []wsSender {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.publishers[agentID]
	out := make([]wsSender, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// registerPulseSubscriber adds a UDS pulse subscriber and returns the
// snapshot it should receive before any subsequent deltas (spec §4.8 "On
// subscribe, the hub sends one snapshot, then only deltas after that
// snapshot's sequence").
func (h *Hub) registerPulseSubscriber(s pulseSender) SnapshotPayload {
	h.mu.Lock()
	h.pulseSubs[s.connID()] = s
	h.mu.Unlock()
	seq, states := h.snapshot()
	return SnapshotPayload{Seq: seq, States: states}
}

func (h *Hub) unregisterPulseSubscriber(connID string) {
	h.mu.Lock()
	delete(h.pulseSubs, connID)
	h.mu.Unlock()
}

// broadcastWS delivers e to every registered WS subscriber, unregistering
// any that fail to accept it (spec §5 "per-connection queue is the only
// back-pressure mechanism").
func (h *Hub) broadcastWS(e *envelope.Envelope) {
	h.mu.Lock()
	targets := make([]wsSender, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		if !s.send(e) {
			h.unregisterSubscriber(s.connID())
		}
	}
}

// publishDelta increments the global sequence number and broadcasts the
// resulting delta to every pulse subscriber, dropping any slow consumer
// (spec §4.8 "On slow consumers... the hub unregisters the subscriber").
func (h *Hub) publishDelta(changes []DeltaChange) {
	if len(changes) == 0 {
		return
	}
	h.mu.Lock()
	h.seq++
	seq := h.seq
	targets := make([]pulseSender, 0, len(h.pulseSubs))
	for _, s := range h.pulseSubs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	payload := DeltaPayload{Seq: seq, Changes: changes}
	for _, s := range targets {
		if !s.sendDelta(payload) {
			h.unregisterPulseSubscriber(s.connID())
		}
	}
}

// upsertAgentStatus merges p into the cached state for p.AgentID and
// publishes an upsert delta to pulse subscribers. It does not send anything
// to WS subscribers; Route broadcasts published envelopes to them.
func (h *Hub) upsertAgentStatus(p envelope.AgentStatusPayload) {
	h.mu.Lock()
	state, ok := h.agents[p.AgentID]
	if !ok {
		state = &AgentState{AgentID: p.AgentID}
		h.agents[p.AgentID] = state
	}
	state.applyStatus(p)
	state.LastHeartbeat = h.now()
	snap := state.clone()
	h.mu.Unlock()

	h.publishDelta([]DeltaChange{{Op: OpUpsert, AgentID: p.AgentID, State: &snap}})
}

func (h *Hub) upsertDiffSummary(p envelope.DiffSummaryPayload) {
	h.mu.Lock()
	state, ok := h.agents[p.AgentID]
	if !ok {
		state = &AgentState{AgentID: p.AgentID}
		h.agents[p.AgentID] = state
	}
	cp := p
	state.DiffSummary = &cp
	state.LastHeartbeat = h.now()
	snap := state.clone()
	h.mu.Unlock()

	h.publishDelta([]DeltaChange{{Op: OpUpsert, AgentID: p.AgentID, State: &snap}})
}

func (h *Hub) upsertTaskSummary(p envelope.TaskSummaryPayload) {
	h.mu.Lock()
	state, ok := h.agents[p.AgentID]
	if !ok {
		state = &AgentState{AgentID: p.AgentID}
		h.agents[p.AgentID] = state
	}
	if state.TaskSummaries == nil {
		state.TaskSummaries = map[string]envelope.TaskSummaryPayload{}
	}
	state.TaskSummaries[p.Tag] = p
	state.LastHeartbeat = h.now()
	snap := state.clone()
	h.mu.Unlock()

	h.publishDelta([]DeltaChange{{Op: OpUpsert, AgentID: p.AgentID, State: &snap}})
}

func (h *Hub) touchHeartbeat(agentID string) {
	h.mu.Lock()
	state, ok := h.agents[agentID]
	if ok {
		state.LastHeartbeat = h.now()
	}
	h.mu.Unlock()
}

// removeAgent deletes agentID from the cache and broadcasts a remove delta
// (spec §4.8 "Layout reconciliation" and "Stale reaper").
func (h *Hub) removeAgent(agentID string) {
	h.mu.Lock()
	_, existed := h.agents[agentID]
	delete(h.agents, agentID)
	h.mu.Unlock()
	if existed {
		h.publishDelta([]DeltaChange{{Op: OpRemove, AgentID: agentID}})
	}
}

// agentExists reports whether agentID is currently cached.
func (h *Hub) agentExists(agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.agents[agentID]
	return ok
}

// offlineStatusFor synthesizes an offline agent_status preserving the
// agent's last known pane/project/cwd labels (spec §4.8 "Stale reaper":
// "preserving the prior pane/project/cwd labels").
func (h *Hub) offlineStatusFor(agentID, reason string) (envelope.AgentStatusPayload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.agents[agentID]
	if !ok {
		return envelope.AgentStatusPayload{}, false
	}
	return envelope.AgentStatusPayload{
		AgentID: agentID,
		Status:  envelope.AgentStatusOffline,
		Reason:  reason,
		Pane:    state.Pane,
		Project: state.Project,
		Cwd:     state.Cwd,
	}, true
}
