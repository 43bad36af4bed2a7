// Package transport implements the connection supervisor: the
// at-most-one-active-connection WebSocket transport shared by the Client
// and Server roles, and the pump.Inbound/pump.Outbound glue around it.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/insight-platform/cloudpin/internal/metrics"
	"github.com/insight-platform/cloudpin/internal/pump"
)

// Error classes a connection attempt can fail with.
var (
	// ErrTransientNetwork covers failures the reconnect loop simply retries:
	// refused/reset connections after IOTimeout, any other network error
	// (e.g. an unreachable host) after ReconnectTimeout.
	ErrTransientNetwork = errors.New("transport: transient network error")
	// ErrAuth covers a rejected handshake (bad API key, TLS client auth
	// failure); worth a distinct error class for logs.
	ErrAuth = errors.New("transport: authentication error")
	// ErrConfig covers a TLS certificate problem that will not resolve by
	// retrying (bad cert chain, untrusted CA).
	ErrConfig = errors.New("transport: certificate configuration error")
)

// Intake is the slice of pump.Inbound a Connection needs: somewhere to hand
// off each received binary frame payload.
type Intake interface {
	Intake(payload []byte)
}

// Connection wraps one underlying *websocket.Conn and tracks whether
// writing is currently allowed on it. A Connection is only ever "current"
// on its Supervisor once; any later connection is closed with
// POLICY_VIOLATION.
type Connection struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger
	m      *metrics.Metrics

	writeMu sync.Mutex
	active  bool
	closed  bool
}

func newConnection(ws *websocket.Conn, logger *slog.Logger, m *metrics.Metrics) *Connection {
	return &Connection{
		id:     uuid.NewString(),
		ws:     ws,
		logger: logger,
		m:      m,
		active: true,
	}
}

// ID returns the connection's locally generated identifier, used only for
// log correlation.
func (c *Connection) ID() string { return c.id }

// SendBinary sends one binary frame. A write timeout pauses the connection
// rather than tearing it down; the caller's next WritableTransport() check
// will then see it unavailable until a probe write succeeds again.
func (c *Connection) SendBinary(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return websocket.ErrCloseSent
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteMessage(websocket.BinaryMessage, payload)
	if err != nil {
		c.pauseLocked()
		return err
	}
	return nil
}

// Writable reports whether this connection currently accepts writes.
func (c *Connection) Writable() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.active && !c.closed
}

// isClosed reports whether the connection has been torn down. A paused
// connection is not closed: it still owns the single active slot and
// still rejects newcomers.
func (c *Connection) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}

func (c *Connection) pauseLocked() {
	if !c.active {
		return
	}
	c.active = false
	if c.m != nil {
		c.m.WSWritingPaused()
	}
	if c.logger != nil {
		c.logger.Warn("pausing websocket writing", slog.String("connection_id", c.id))
	}
}

// probeResume sends a ping; on success it flips the connection back to
// active. Intended to be called periodically by the owning Supervisor
// while the connection is paused.
func (c *Connection) probeResume() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.active || c.closed {
		return
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		return
	}
	c.active = true
	if c.m != nil {
		c.m.WSWritingResumed()
	}
	if c.logger != nil {
		c.logger.Info("resuming websocket writing", slog.String("connection_id", c.id))
	}
}

// closeWith sends a close frame with code and tears down the socket. Errors
// are ignored: the peer may already be gone.
func (c *Connection) closeWith(code int, reason string) {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return
	}
	c.closed = true
	c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.ws.Close()
}

const (
	// writeWait bounds how long one WriteMessage call may block.
	writeWait = 10 * time.Second
	// pongWait bounds how long the read loop waits for a pong/frame before
	// treating the peer as gone.
	pongWait = 60 * time.Second
	// maxReadFrameBytes is the read limit readLoop sets on every connection.
	// config.MaxWSPayloadBytes caps only outbound frames; the read side does
	// not consult it.
	maxReadFrameBytes = 8 << 20
)

// readLoop drains control frames and binary frames off ws until it errors,
// delivering binary payloads to sink and then tearing the connection down
// via onDone. Sink-side message sizes are recorded by the inbound pump at
// delivery, not here.
func readLoop(ws *websocket.Conn, sink Intake, logger *slog.Logger, connID string, onDone func()) {
	defer onDone()

	limit := int64(maxReadFrameBytes)
	ws.SetReadLimit(limit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			if logger != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("websocket closed unexpectedly", slog.String("connection_id", connID), slog.String("error", err.Error()))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		sink.Intake(payload)
	}
}

var _ pump.WritableTransport = (*Connection)(nil)
