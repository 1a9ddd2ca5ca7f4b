package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/aoc/cockpit/internal/envelope"
)

// PulseServer listens on a Unix domain socket and serves the structured
// Snapshot/Delta/Heartbeat/Command/CommandResult protocol (spec §4.8 "UDS
// pulse protocol", §6.2 "UDS framing").
type PulseServer struct {
	hub      *Hub
	mux      Multiplexer
	listener *net.UnixListener
	logger   *slog.Logger
}

// ListenPulse binds a Unix socket at path with the permissions required by
// spec §6.2/§6.3 (socket 0600, parent directory 0700).
func ListenPulse(path string, hub *Hub, mux Multiplexer, logger *slog.Logger) (*PulseServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = os.MkdirAll(parentDir(path), 0o700)
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return &PulseServer{hub: hub, mux: mux, listener: ln, logger: logger}, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Serve accepts connections until ctx is done or Close is called.
func (p *PulseServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = p.listener.Close()
	}()
	for {
		conn, err := p.listener.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		pc := &pulseConn{
			id:     uuid.NewString(),
			conn:   conn,
			outbox: make(chan *envelope.Envelope, DefaultQueueCapacity),
			logger: p.logger,
		}
		go pc.run(p.hub, p.mux)
	}
}

// Close shuts down the listener.
func (p *PulseServer) Close() error { return p.listener.Close() }

// Addr returns the bound socket path.
func (p *PulseServer) Addr() string { return p.listener.Addr().String() }

// pulseConn is one UDS connection, implementing pulseSender.
type pulseConn struct {
	id       string
	conn     net.Conn
	outbox   chan *envelope.Envelope
	logger   *slog.Logger
	isSub    bool
}

func (c *pulseConn) connID() string { return c.id }

func (c *pulseConn) enqueue(e *envelope.Envelope) bool {
	select {
	case c.outbox <- e:
		return true
	default:
		return false
	}
}

func (c *pulseConn) sendSnapshot(s SnapshotPayload) bool {
	e, err := envelope.New(envelope.TypeSnapshot, "", "hub", s)
	if err != nil {
		return false
	}
	return c.enqueue(e)
}

func (c *pulseConn) sendDelta(d DeltaPayload) bool {
	e, err := envelope.New(envelope.TypeDelta, "", "hub", d)
	if err != nil {
		return false
	}
	return c.enqueue(e)
}

func (c *pulseConn) run(hub *Hub, mux Multiplexer) {
	defer c.close(hub)
	go c.writeLoop()
	c.readLoop(hub, mux)
}

func (c *pulseConn) close(hub *Hub) {
	if c.isSub {
		hub.unregisterPulseSubscriber(c.id)
	}
	close(c.outbox)
	_ = c.conn.Close()
}

func (c *pulseConn) readLoop(hub *Hub, mux Multiplexer) {
	reader := envelope.NewFrameReader(c.conn)
	for {
		e, err := reader.Next()
		if err != nil {
			return
		}
		switch e.Type {
		case envelope.TypeSubscribe:
			snap := hub.registerPulseSubscriber(c)
			c.isSub = true
			c.sendSnapshot(snap)
		case envelope.TypeCommand:
			var p CommandPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			result := hub.HandleCommand(c.id, mux, p)
			resEnv, err := envelope.New(envelope.TypeCommandResult, hub.sessionID, "hub", result)
			if err == nil {
				resEnv.RequestID = p.RequestID
				c.enqueue(resEnv)
			}
		case envelope.TypeHeartbeat:
			var p envelope.HeartbeatPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				hub.touchHeartbeat(p.AgentID)
			}
		default:
			// Unrecognized UDS frame types are rejected with an error
			// envelope carrying unknown_message.
			if errEnv := errorEnvelope(hub.sessionID, envelope.CodeUnknownMessage, string(e.Type)); errEnv != nil {
				c.enqueue(errEnv)
			}
		}
	}
}

func (c *pulseConn) writeLoop() {
	writer := envelope.NewFrameWriter(c.conn)
	for e := range c.outbox {
		_ = writer.Write(e)
	}
}

// StalePollInterval exposes the reaper cadence formula for callers that
// need to size timeouts relative to it (spec §4.8 "Stale reaper").
func StalePollInterval(staleAfter time.Duration) time.Duration {
	return staleTickInterval(staleAfter)
}
