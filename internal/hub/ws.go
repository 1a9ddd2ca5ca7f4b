package hub

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aoc/cockpit/internal/envelope"
)

// Write/read timing defaults for the WebSocket surface, grounded on the
// teacher's ws_control_plane.go constants. The pulse surface sets no socket
// deadlines.
// Server.pingInterval/writeTimeout override these when the CLI sets
// --ping-interval/--write-timeout (spec §6.6).
const (
	wsWriteTimeout = 2 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
	wsMaxPayload   = envelope.MaxEnvelopeBytes
)

// Server is the WebSocket legacy surface's HTTP handler (spec §4.8, §6.6
// "Health endpoint on the WebSocket HTTP surface returns 200 \"ok\"").
type Server struct {
	hub          *Hub
	mux          Multiplexer
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
}

// ServerOption configures optional Server behavior.
type ServerOption func(*Server)

// WithPingInterval overrides the WS keepalive ping cadence (spec §6.6
// "ping interval").
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithWriteTimeout overrides the per-write deadline (spec §6.6 "write
// timeout").
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewServer builds a WS Server fronting hub.
func NewServer(hub *Hub, mux Multiplexer, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:          hub,
		mux:          mux,
		logger:       logger,
		pingInterval: wsPingInterval,
		writeTimeout: wsWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler, routing "/healthz" to the plain-text
// health check and everything else to the WebSocket upgrade.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{
		id:           uuid.NewString(),
		conn:         conn,
		outbox:       make(chan *envelope.Envelope, DefaultQueueCapacity),
		logger:       srv.logger,
		pingInterval: srv.pingInterval,
		writeTimeout: srv.writeTimeout,
	}
	c.run(srv.hub, srv.mux)
}

// wsConn is one registered WebSocket connection, implementing wsSender.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	outbox       chan *envelope.Envelope
	logger       *slog.Logger
	connected    atomic.Bool
	ctx          ConnContext
	pingInterval time.Duration
	writeTimeout time.Duration
}

func (c *wsConn) connID() string { return c.id }

// send enqueues e for delivery; returns false if the queue is full, which
// the caller treats as a dead connection (spec §5 "On subscriber queue
// overflow... the hub drops the subscriber").
func (c *wsConn) send(e *envelope.Envelope) bool {
	select {
	case c.outbox <- e:
		return true
	default:
		return false
	}
}

func (c *wsConn) run(hub *Hub, mux Multiplexer) {
	defer c.close(hub)
	go c.writeLoop()
	c.readLoop(hub, mux)
}

func (c *wsConn) close(hub *Hub) {
	if c.ctx.Role == envelope.RolePublisher {
		hub.HandlePublisherDisconnect(c.ctx.AgentID, c.id, "closed")
	} else if c.ctx.Role == envelope.RoleSubscriber {
		hub.unregisterSubscriber(c.id)
	}
	close(c.outbox)
	_ = c.conn.Close()
}

func (c *wsConn) readLoop(hub *Hub, mux Multiplexer) {
	c.conn.SetReadLimit(int64(wsMaxPayload))
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		e, err := envelope.Decode(data)
		if err != nil {
			continue // malformed frame: drop and continue (spec §7 propagation policy)
		}

		if !c.connected.Load() {
			ctx, verr := hub.HandleHello(e, c.id)
			if verr != nil {
				c.send(errorEnvelope(hub.sessionID, verr.Code, verr.Message))
				return
			}
			c.ctx = ctx
			c.connected.Store(true)
			if ctx.Role == envelope.RolePublisher {
				hub.registerPublisher(ctx.AgentID, c)
			} else {
				states := hub.registerSubscriber(c)
				c.sendSnapshotBurst(hub.sessionID, states)
			}
			continue
		}

		if err := e.Validate(); err != nil {
			c.logger.Warn("hub: dropping invalid envelope", "conn_id", c.id, "type", e.Type, "version", e.Version, "error", err)
			continue
		}
		reply, fatal := hub.Route(c.ctx, e)
		if reply != nil {
			c.send(reply)
		}
		if fatal {
			return
		}
	}
}

// sendSnapshotBurst streams one agent_status envelope per known agent in
// stable order, the WS surface's equivalent of the pulse snapshot (spec
// §4.8 "the hub streams one snapshot burst covering all known agents").
func (c *wsConn) sendSnapshotBurst(sessionID string, states []AgentState) {
	for _, s := range states {
		e, err := envelope.New(envelope.TypeAgentStatus, sessionID, "hub", envelope.AgentStatusPayload{
			AgentID: s.AgentID, Status: s.Status, Reason: s.Reason, Pane: s.Pane, Project: s.Project, Cwd: s.Cwd,
		})
		if err == nil {
			c.send(e)
		}
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-c.outbox:
			if !ok {
				return
			}
			data, err := e.Encode()
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
