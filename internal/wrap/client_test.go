package wrap

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aoc/cockpit/internal/envelope"
)

type recordingHub struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	received []*envelope.Envelope
	gotHello chan struct{}
}

func newRecordingHub() *recordingHub {
	return &recordingHub{gotHello: make(chan struct{}, 8)}
}

func (h *recordingHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		e, err := envelope.Decode(data)
		if err != nil {
			continue
		}
		h.mu.Lock()
		h.received = append(h.received, e)
		h.mu.Unlock()
		if e.Type == envelope.TypeHello {
			h.gotHello <- struct{}{}
		}
	}
}

func (h *recordingHub) typesReceived() []envelope.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	var types []envelope.Type
	for _, e := range h.received {
		types = append(types, e.Type)
	}
	return types
}

func TestHubClient_SendsHelloThenPublishes(t *testing.T) {
	rh := newRecordingHub()
	srv := httptest.NewServer(rh)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewHubClient(wsURL, "sess1", "sess1::pane1", slog.New(slog.NewTextHandler(discardWriter{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.RunUntilCanceled(ctx, nil)

	select {
	case <-rh.gotHello:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hello")
	}

	if err := client.SendStatus(envelope.AgentStatusPayload{AgentID: "sess1::pane1", Status: envelope.AgentStatusRunning}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		types := rh.typesReceived()
		for _, typ := range types {
			if typ == envelope.TypeAgentStatus {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected an agent_status envelope to be received")
}

func TestHubClient_CachesStateForReplay(t *testing.T) {
	client := NewHubClient("ws://unused", "sess1", "sess1::pane1", nil)
	_ = client.SendStatus(envelope.AgentStatusPayload{AgentID: "sess1::pane1", Status: envelope.AgentStatusRunning})
	_ = client.SendDiffSummary(envelope.DiffSummaryPayload{AgentID: "sess1::pane1", GitAvail: true})
	_ = client.SendTaskSummary(envelope.TaskSummaryPayload{AgentID: "sess1::pane1", Tag: "master"})

	if client.lastState.status == nil || client.lastState.diff == nil || len(client.lastState.tasks) != 1 {
		t.Fatalf("lastState = %+v, want all three cached", client.lastState)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
