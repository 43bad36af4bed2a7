package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/insight-platform/cloudpin/internal/metrics"
	"github.com/insight-platform/cloudpin/internal/pump"
)

// Supervisor holds the single currently-adopted Connection, enforcing the
// at-most-one-active-connection invariant. Both ClientSupervisor and
// ServerSupervisor embed it.
type Supervisor struct {
	mu      sync.Mutex
	current *Connection

	logger *slog.Logger
	m      *metrics.Metrics
}

func newSupervisor(logger *slog.Logger, m *metrics.Metrics) Supervisor {
	return Supervisor{logger: logger, m: m}
}

// WritableTransport implements pump.Supervisor.
func (s *Supervisor) WritableTransport() (pump.WritableTransport, bool) {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil || !c.Writable() {
		return nil, false
	}
	return c, true
}

// adopt tries to make ws the current connection. If another connection is
// already current and still open, the new one is rejected with
// POLICY_VIOLATION; the first-seen connection wins.
func (s *Supervisor) adopt(ws *websocket.Conn) (*Connection, bool) {
	conn := newConnection(ws, s.logger, s.m)

	s.mu.Lock()
	existing := s.current
	if existing != nil && !existing.isClosed() {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Warn("rejecting extra websocket connection", slog.String("connection_id", conn.id))
		}
		conn.closeWith(websocket.ClosePolicyViolation, "only one active connection is allowed")
		return nil, false
	}
	s.current = conn
	s.mu.Unlock()

	if s.m != nil {
		s.m.WSConnected()
	}
	if s.logger != nil {
		s.logger.Info("websocket connection established", slog.String("connection_id", conn.id))
	}
	return conn, true
}

func (s *Supervisor) release(conn *Connection) {
	s.mu.Lock()
	if s.current == conn {
		s.current = nil
	}
	s.mu.Unlock()

	if s.m != nil {
		s.m.WSDisconnected()
	}
	if s.logger != nil {
		s.logger.Info("websocket connection stopped", slog.String("connection_id", conn.id))
	}
}

// shutdown closes the current connection, if any, with GOING_AWAY; used
// when the owning service is stopping.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c != nil {
		c.closeWith(websocket.CloseGoingAway, "service shutting down")
	}
}

// CloseForBackpressure closes the current connection, if any, with
// TRY_AGAIN_LATER, telling the peer to back off and reconnect once the
// local writer has drained. Invoked by the inbound pump when its sink
// queue sits at capacity.
func (s *Supervisor) CloseForBackpressure() {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return
	}
	if s.logger != nil {
		s.logger.Warn("closing connection under backpressure", slog.String("connection_id", c.id))
	}
	c.closeWith(websocket.CloseTryAgainLater, "sink over capacity, try again later")
}

// resumeProbeLoop periodically probes any paused current connection until
// stop fires.
func (s *Supervisor) resumeProbeLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			c := s.current
			s.mu.Unlock()
			if c != nil {
				c.probeResume()
			}
		}
	}
}
