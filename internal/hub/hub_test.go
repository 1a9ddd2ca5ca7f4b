package hub

import (
	"context"
	"testing"
	"time"

	"github.com/aoc/cockpit/internal/envelope"
)

type fakeWS struct {
	id  string
	got []*envelope.Envelope
	ok  bool
}

func newFakeWS(id string) *fakeWS { return &fakeWS{id: id, ok: true} }

func (f *fakeWS) connID() string { return f.id }
func (f *fakeWS) send(e *envelope.Envelope) bool {
	if !f.ok {
		return false
	}
	f.got = append(f.got, e)
	return true
}

type fakePulse struct {
	id       string
	snapshot *SnapshotPayload
	deltas   []DeltaPayload
	ok       bool
}

func newFakePulse(id string) *fakePulse { return &fakePulse{id: id, ok: true} }

func (f *fakePulse) connID() string { return f.id }
func (f *fakePulse) sendSnapshot(s SnapshotPayload) bool {
	f.snapshot = &s
	return f.ok
}
func (f *fakePulse) sendDelta(d DeltaPayload) bool {
	if !f.ok {
		return false
	}
	f.deltas = append(f.deltas, d)
	return true
}

func TestUpsertAgentStatusBroadcastsAndCaches(t *testing.T) {
	h := New("S")
	sub := newFakeWS("sub1")
	h.registerSubscriber(sub)
	pulse := newFakePulse("p1")
	h.registerPulseSubscriber(pulse)

	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::1", Status: envelope.AgentStatusRunning, Pane: "1"})

	if len(pulse.deltas) != 1 || pulse.deltas[0].Seq != 1 {
		t.Fatalf("expected one delta at seq=1, got %+v", pulse.deltas)
	}
	if pulse.deltas[0].Changes[0].Op != OpUpsert || pulse.deltas[0].Changes[0].AgentID != "S::1" {
		t.Fatalf("unexpected change: %+v", pulse.deltas[0].Changes[0])
	}
	if !h.agentExists("S::1") {
		t.Fatal("expected agent to be cached")
	}
}

func TestDeltaSequenceIsMonotonic(t *testing.T) {
	h := New("S")
	pulse := newFakePulse("p1")
	h.registerPulseSubscriber(pulse)

	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::1", Status: envelope.AgentStatusRunning})
	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::2", Status: envelope.AgentStatusRunning})

	if len(pulse.deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(pulse.deltas))
	}
	if pulse.deltas[0].Seq >= pulse.deltas[1].Seq {
		t.Fatalf("expected strictly increasing sequence, got %d then %d", pulse.deltas[0].Seq, pulse.deltas[1].Seq)
	}
}

func TestRegisterPulseSubscriberSnapshotThenDeltasAfter(t *testing.T) {
	h := New("S")
	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::1", Status: envelope.AgentStatusRunning})

	pulse := newFakePulse("p1")
	snap := h.registerPulseSubscriber(pulse)
	if snap.Seq != 1 || len(snap.States) != 1 {
		t.Fatalf("expected snapshot at seq=1 with 1 state, got %+v", snap)
	}

	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::2", Status: envelope.AgentStatusRunning})
	if len(pulse.deltas) != 1 || pulse.deltas[0].Seq != 2 {
		t.Fatalf("expected one post-snapshot delta at seq=2, got %+v", pulse.deltas)
	}
}

func TestSlowPulseConsumerIsUnregistered(t *testing.T) {
	h := New("S")
	pulse := newFakePulse("p1")
	pulse.ok = false
	h.registerPulseSubscriber(pulse)

	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::1", Status: envelope.AgentStatusRunning})

	h.mu.Lock()
	_, stillThere := h.pulseSubs["p1"]
	h.mu.Unlock()
	if stillThere {
		t.Fatal("expected slow pulse consumer to be unregistered")
	}
}

func TestHandleHelloValidatesSessionRoleAndAgentID(t *testing.T) {
	h := New("S")

	bad, _ := envelope.New(envelope.TypeHello, "OTHER", "c1", envelope.HelloPayload{ClientID: "c1", Role: envelope.RoleSubscriber})
	if _, verr := h.HandleHello(bad, "conn1"); verr == nil || verr.Code != envelope.CodeSessionMismatch {
		t.Fatalf("expected session_mismatch, got %+v", verr)
	}

	mismatchedClient, _ := envelope.New(envelope.TypeHello, "S", "c1", envelope.HelloPayload{ClientID: "other", Role: envelope.RoleSubscriber})
	if _, verr := h.HandleHello(mismatchedClient, "conn1"); verr == nil || verr.Code != envelope.CodeAgentIDMismatch {
		t.Fatalf("expected agent_id_mismatch, got %+v", verr)
	}

	badAgent, _ := envelope.New(envelope.TypeHello, "S", "c1", envelope.HelloPayload{ClientID: "c1", Role: envelope.RolePublisher, AgentID: "other::1"})
	if _, verr := h.HandleHello(badAgent, "conn1"); verr == nil || verr.Code != envelope.CodeRoleViolation {
		t.Fatalf("expected role_violation, got %+v", verr)
	}

	good, _ := envelope.New(envelope.TypeHello, "S", "c1", envelope.HelloPayload{ClientID: "c1", Role: envelope.RolePublisher, AgentID: "S::1"})
	ctx, verr := h.HandleHello(good, "conn1")
	if verr != nil {
		t.Fatalf("expected valid hello, got %+v", verr)
	}
	if ctx.Role != envelope.RolePublisher || ctx.AgentID != "S::1" {
		t.Fatalf("unexpected ctx: %+v", ctx)
	}
}

func TestRoutePublisherOnlyMessagesRejectSubscribers(t *testing.T) {
	h := New("S")
	ctx := ConnContext{ConnID: "c1", SessionID: "S", Role: envelope.RoleSubscriber}
	e, _ := envelope.New(envelope.TypeAgentStatus, "S", "sub", envelope.AgentStatusPayload{AgentID: "S::1", Status: envelope.AgentStatusRunning})

	reply, fatal := h.Route(ctx, e)
	if fatal {
		t.Fatal("role violation should not be fatal")
	}
	if reply == nil || reply.Type != envelope.TypeError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
}

func TestDiffPatchRequestForwardMissWithoutPublisher(t *testing.T) {
	h := New("S")
	ctx := ConnContext{ConnID: "sub1", SessionID: "S", Role: envelope.RoleSubscriber}
	e, _ := envelope.New(envelope.TypeDiffPatchRequest, "S", "sub1", envelope.DiffPatchRequestPayload{AgentID: "S::1", Path: "a.go"})

	reply, _ := h.Route(ctx, e)
	if reply == nil || reply.Type != envelope.TypeError {
		t.Fatalf("expected forward_miss error, got %+v", reply)
	}
}

func TestDiffPatchRequestRoutesToPublisher(t *testing.T) {
	h := New("S")
	pub := newFakeWS("pub1")
	h.registerPublisher("S::1", pub)

	ctx := ConnContext{ConnID: "sub1", SessionID: "S", Role: envelope.RoleSubscriber}
	e, _ := envelope.New(envelope.TypeDiffPatchRequest, "S", "sub1", envelope.DiffPatchRequestPayload{AgentID: "S::1", Path: "a.go"})

	reply, _ := h.Route(ctx, e)
	if reply != nil {
		t.Fatalf("expected no reply on successful routing, got %+v", reply)
	}
	if len(pub.got) != 1 {
		t.Fatalf("expected the request forwarded to the publisher, got %d", len(pub.got))
	}
}

func TestCommandCacheIsIdempotent(t *testing.T) {
	h := New("S")
	pub := newFakeWS("pub1")
	h.registerPublisher("S::1", pub)

	p := CommandPayload{RequestID: "req1", Name: CommandStopAgent, Args: map[string]any{"target_agent_id": "S::1"}}
	r1 := h.HandleCommand("conn1", nil, p)
	r2 := h.HandleCommand("conn1", nil, p)
	if r1 != r2 {
		t.Fatalf("expected identical cached result, got %+v vs %+v", r1, r2)
	}
	if len(pub.got) != 1 {
		t.Fatalf("expected exactly one forwarded command, got %d", len(pub.got))
	}
}

func TestStopAgentRejectsOutOfSessionTarget(t *testing.T) {
	h := New("S")
	p := CommandPayload{RequestID: "req1", Name: CommandStopAgent, Args: map[string]any{"target_agent_id": "OTHER::1"}}
	r := h.HandleCommand("conn1", nil, p)
	if r.Status != ResultRejected || r.Code != string(envelope.CodeInvalidTarget) {
		t.Fatalf("expected invalid_target rejection, got %+v", r)
	}
}

func TestUnsupportedCommandIsRejected(t *testing.T) {
	h := New("S")
	r := h.HandleCommand("conn1", nil, CommandPayload{RequestID: "req1", Name: "reboot"})
	if r.Status != ResultRejected || r.Code != string(envelope.CodeUnsupportedCommand) {
		t.Fatalf("expected unsupported_command, got %+v", r)
	}
}

func TestStaleReaperRemovesAgentAndBroadcastsDelta(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := New("S", WithStaleAfter(200*time.Millisecond), WithNow(func() time.Time { return now }))
	pulse := newFakePulse("p1")
	h.registerPulseSubscriber(pulse)
	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::1", Status: envelope.AgentStatusRunning})

	now = now.Add(500 * time.Millisecond)
	h.reapStale()

	if h.agentExists("S::1") {
		t.Fatal("expected stale agent to be removed")
	}
	last := pulse.deltas[len(pulse.deltas)-1]
	if last.Changes[0].Op != OpRemove || last.Changes[0].AgentID != "S::1" {
		t.Fatalf("expected a remove delta for S::1, got %+v", last)
	}
}

func TestHandlePublisherDisconnectSynthesizesOffline(t *testing.T) {
	h := New("S")
	pub := newFakeWS("pub1")
	h.registerPublisher("S::1", pub)
	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::1", Status: envelope.AgentStatusRunning, Pane: "1", Project: "proj"})

	h.HandlePublisherDisconnect("S::1", "pub1", "eof")

	h.mu.Lock()
	state := h.agents["S::1"]
	h.mu.Unlock()
	if state.Status != envelope.AgentStatusOffline || state.Reason != "disconnect:eof" {
		t.Fatalf("expected synthesized offline status, got %+v", state)
	}
	if state.Pane != "1" || state.Project != "proj" {
		t.Fatalf("expected prior labels preserved, got %+v", state)
	}
}

type fakePaneLister struct {
	panes [][]string
	call  int
}

func (f *fakePaneLister) ListPanes(ctx context.Context, sessionID string) ([]string, error) {
	if f.call >= len(f.panes) {
		f.call = len(f.panes) - 1
	}
	p := f.panes[f.call]
	f.call++
	return p, nil
}

func TestLayoutWatcherRemovesAgentOnClosedPane(t *testing.T) {
	h := New("S")
	h.upsertAgentStatus(envelope.AgentStatusPayload{AgentID: "S::1", Status: envelope.AgentStatusRunning, Pane: "pane-1"})

	lister := &fakePaneLister{panes: [][]string{{"pane-1"}, {}}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go h.RunLayoutWatcher(ctx, lister)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !h.agentExists("S::1") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected agent removed once its pane closed")
}

func TestRouteRejectsPayloadMissingRequiredField(t *testing.T) {
	h := New("S")
	ctx := ConnContext{ConnID: "pub1", SessionID: "S", Role: envelope.RolePublisher, AgentID: "S::1"}
	e, _ := envelope.New(envelope.TypeAgentStatus, "S", "S::1", map[string]any{"agent_id": "S::1"})

	reply, fatal := h.Route(ctx, e)
	if fatal {
		t.Fatal("schema rejection should not be fatal")
	}
	if reply == nil || reply.Type != envelope.TypeError {
		t.Fatalf("expected error reply for a payload missing the required status field, got %+v", reply)
	}
}

func TestRouteRejectsOversizedDiffSummaryFileList(t *testing.T) {
	h := New("S")
	ctx := ConnContext{ConnID: "pub1", SessionID: "S", Role: envelope.RolePublisher, AgentID: "S::1"}

	files := make([]map[string]any, 501)
	for i := range files {
		files[i] = map[string]any{"path": "a.go", "added": 1, "removed": 0}
	}
	e, _ := envelope.New(envelope.TypeDiffSummary, "S", "S::1", map[string]any{
		"agent_id": "S::1", "git_available": true, "files": files,
	})

	reply, fatal := h.Route(ctx, e)
	if fatal {
		t.Fatal("schema rejection should not be fatal")
	}
	if reply == nil || reply.Type != envelope.TypeError {
		t.Fatalf("expected error reply for a files list over 500 entries, got %+v", reply)
	}
}

func TestHandleHelloRejectsPayloadMissingRequiredField(t *testing.T) {
	h := New("S")
	e, _ := envelope.New(envelope.TypeHello, "S", "c1", map[string]any{"client_id": "c1"})
	if _, verr := h.HandleHello(e, "conn1"); verr == nil || verr.Code != envelope.CodeInvalidPayload {
		t.Fatalf("expected invalid_payload for a hello missing role, got %+v", verr)
	}
}

func TestWSPortIsWithinRangeAndDeterministic(t *testing.T) {
	p1 := WSPort("session-a")
	p2 := WSPort("session-a")
	if p1 != p2 {
		t.Fatalf("expected deterministic port, got %d vs %d", p1, p2)
	}
	if p1 < 42000 || p1 >= 44000 {
		t.Fatalf("expected port in [42000,44000), got %d", p1)
	}
}
