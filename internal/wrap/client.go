package wrap

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aoc/cockpit/internal/envelope"
)

// reconnectBackoffCap bounds the hub reconnect backoff (spec §4.7
// "Reconnect": "exponential backoff capped at 10s").
const reconnectBackoffCap = 10 * time.Second

const reconnectBackoffBase = 250 * time.Millisecond

// clientWriteTimeout bounds a single outbound frame write.
const clientWriteTimeout = 2 * time.Second

// HubClient is the wrap's outbound connection to the session hub's
// WebSocket legacy surface (spec §4.7 "Reconnect").
type HubClient struct {
	hubURL    string
	sessionID string
	agentID   string
	logger    *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	lastState cachedState
}

// cachedState is the last-sent publisher state, replayed after every
// reconnect (spec §4.7: "on every reconnect it replays cached status,
// diff, and per-tag task summaries before resuming normal flow").
type cachedState struct {
	status *envelope.AgentStatusPayload
	diff   *envelope.DiffSummaryPayload
	tasks  map[string]envelope.TaskSummaryPayload
}

// NewHubClient builds a client for agentID under sessionID, connecting to
// hubURL (a ws:// URL, typically built from hub.WSBindAddr).
func NewHubClient(hubURL, sessionID, agentID string, logger *slog.Logger) *HubClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubClient{
		hubURL: hubURL, sessionID: sessionID, agentID: agentID, logger: logger,
		lastState: cachedState{tasks: map[string]envelope.TaskSummaryPayload{}},
	}
}

// RunUntilCanceled connects and reconnects with exponential backoff until
// ctx is canceled, invoking onRequest for each diff_patch_request or
// command frame received while connected.
func (c *HubClient) RunUntilCanceled(ctx context.Context, onRequest func(*envelope.Envelope)) {
	backoff := reconnectBackoffBase
	for ctx.Err() == nil {
		if err := c.connectAndServe(ctx, onRequest); err != nil {
			c.logger.Warn("hub connection lost", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffCap {
			backoff = reconnectBackoffCap
		}
	}
}

func (c *HubClient) connectAndServe(ctx context.Context, onRequest func(*envelope.Envelope)) error {
	u, err := url.Parse(c.hubURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	hello, err := envelope.New(envelope.TypeHello, c.sessionID, c.agentID, envelope.HelloPayload{
		ClientID: c.agentID, Role: envelope.RolePublisher, AgentID: c.agentID,
	})
	if err != nil {
		return err
	}
	if err := c.writeEnvelope(hello); err != nil {
		return err
	}
	c.replay()

	backoff := reconnectBackoffBase
	_ = backoff
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		e, err := envelope.Decode(data)
		if err != nil {
			continue
		}
		switch e.Type {
		case envelope.TypeDiffPatchRequest, envelope.TypeCommand:
			if onRequest != nil {
				onRequest(e)
			}
		}
	}
}

// replay resends the last-known status, diff summary, and per-tag task
// summaries after a (re)connect.
func (c *HubClient) replay() {
	c.mu.Lock()
	state := c.lastState
	c.mu.Unlock()

	if state.status != nil {
		_ = c.sendPayload(envelope.TypeAgentStatus, *state.status)
	}
	if state.diff != nil {
		_ = c.sendPayload(envelope.TypeDiffSummary, *state.diff)
	}
	for _, t := range state.tasks {
		_ = c.sendPayload(envelope.TypeTaskSummary, t)
	}
}

func (c *HubClient) writeEnvelope(e *envelope.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *HubClient) sendPayload(typ envelope.Type, payload any) error {
	e, err := envelope.New(typ, c.sessionID, c.agentID, payload)
	if err != nil {
		return err
	}
	return c.writeEnvelope(e)
}

// SendStatus publishes and caches an agent_status update.
func (c *HubClient) SendStatus(p envelope.AgentStatusPayload) error {
	c.mu.Lock()
	c.lastState.status = &p
	c.mu.Unlock()
	return c.sendPayload(envelope.TypeAgentStatus, p)
}

// SendDiffSummary publishes and caches a diff_summary update.
func (c *HubClient) SendDiffSummary(p envelope.DiffSummaryPayload) error {
	c.mu.Lock()
	c.lastState.diff = &p
	c.mu.Unlock()
	return c.sendPayload(envelope.TypeDiffSummary, p)
}

// SendTaskSummary publishes and caches a per-tag task_summary update.
func (c *HubClient) SendTaskSummary(p envelope.TaskSummaryPayload) error {
	c.mu.Lock()
	if c.lastState.tasks == nil {
		c.lastState.tasks = map[string]envelope.TaskSummaryPayload{}
	}
	c.lastState.tasks[p.Tag] = p
	c.mu.Unlock()
	return c.sendPayload(envelope.TypeTaskSummary, p)
}

// SendHeartbeat publishes a heartbeat envelope (spec §4.7 "every
// heartbeat_interval seconds").
func (c *HubClient) SendHeartbeat() error {
	return c.sendPayload(envelope.TypeHeartbeat, envelope.HeartbeatPayload{AgentID: c.agentID})
}

// SendDiffPatchResponse replies to a diff_patch_request, carrying the
// originating request id (spec §4.7: "The response carries the
// originating request_id").
func (c *HubClient) SendDiffPatchResponse(requestID string, p envelope.DiffPatchResponsePayload) error {
	e, err := envelope.New(envelope.TypeDiffPatchResponse, c.sessionID, c.agentID, p)
	if err != nil {
		return err
	}
	e.RequestID = requestID
	return c.writeEnvelope(e)
}

// DecodeDiffPatchRequest extracts a DiffPatchRequestPayload and its
// request id from an envelope received via RunUntilCanceled's onRequest
// callback.
func DecodeDiffPatchRequest(e *envelope.Envelope) (envelope.DiffPatchRequestPayload, string, error) {
	var p envelope.DiffPatchRequestPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, e.RequestID, err
}
