// Package pump implements the outbound and inbound pumps: the loops that
// move messages between the local ZeroMQ bus and the active WebSocket
// transport.
package pump

import (
	"context"
	"time"

	"github.com/insight-platform/cloudpin/internal/bus"
	"github.com/insight-platform/cloudpin/internal/frame"
	"github.com/insight-platform/cloudpin/internal/metrics"
)

// WritableTransport is the slice of transport.ActiveConnection the outbound
// pump needs: a place to send one binary frame, gated by whether writing is
// currently paused.
type WritableTransport interface {
	// SendBinary sends one binary WebSocket frame on the active connection.
	// Callers must already have confirmed writability via the supervisor.
	SendBinary(payload []byte) error
}

// Supervisor is the slice of transport.Supervisor the outbound pump needs:
// access to the currently writable transport, if any.
type Supervisor interface {
	// WritableTransport returns the active transport and true when a
	// connection exists and isn't write-paused; otherwise (nil, false).
	WritableTransport() (WritableTransport, bool)
}

// Outbound is the outbound pump: reader -> pack -> WebSocket.
type Outbound struct {
	reader           bus.Reader
	supervisor       Supervisor
	metrics          *metrics.Metrics
	ioTimeout        time.Duration
	maxPayload       int
	resultsQueueSize int

	// annotate, when non-nil, is invoked on each message body before
	// packing, giving the measurement layer (or any other observer) a
	// chance to append per-frame timings. It must not change topic/extra
	// semantics; it exists purely for instrumentation.
	annotate func(topic, body, extra []byte) []byte
}

// NewOutbound constructs the outbound pump.
func NewOutbound(reader bus.Reader, supervisor Supervisor, m *metrics.Metrics, ioTimeout time.Duration, maxPayload, resultsQueueSize int) *Outbound {
	return &Outbound{
		reader:           reader,
		supervisor:       supervisor,
		metrics:          m,
		ioTimeout:        ioTimeout,
		maxPayload:       maxPayload,
		resultsQueueSize: resultsQueueSize,
	}
}

// SetAnnotate installs a body-annotation hook. The pump itself moves
// opaque bytes and cannot tell a video frame from anything else; a
// deployment that decodes the message envelope installs its adapter here
// to stamp per-frame timings (metrics.Timings) before the frame is
// packed. Without a hook, bodies pass through untouched.
func (o *Outbound) SetAnnotate(fn func(topic, body, extra []byte) []byte) {
	o.annotate = fn
}

// PumpOne attempts to move exactly one message from the local reader to the
// wire. It returns whether it did any work.
func (o *Outbound) PumpOne(ctx context.Context) bool {
	transport, ok := o.supervisor.WritableTransport()
	if !ok {
		return false
	}

	if o.reader.EnqueuedResults() == 0 {
		return false
	}

	var result bus.Result
	found := false
	for {
		res, ok := o.reader.TryReceive()
		if !ok {
			break
		}
		if res.Kind == bus.ResultMessage {
			result = res
			found = true
			break
		}
		// Discard timeouts and prefix mismatches; keep draining until a
		// real message surfaces or the queue runs dry.
	}
	if !found {
		return false
	}

	body := result.Message
	if o.annotate != nil {
		body = o.annotate(result.Topic, body, result.Extra)
	}

	payload, err := frame.Pack(result.Topic, body, result.Extra, o.maxPayload)
	if err != nil {
		// An oversized frame is dropped, not retried.
		return true
	}

	if err := transport.SendBinary(payload); err != nil {
		return true
	}

	if o.metrics != nil {
		o.metrics.MessageObserved(metrics.Source)
		o.metrics.MessageSize(metrics.Source, len(payload))
		o.metrics.ZMQCapacity(metrics.Source, o.reader.EnqueuedResults(), o.resultsQueueSize)
	}

	return true
}

// Run drives PumpOne until ctx is done: idle iterations sleep IOTimeout,
// productive ones loop immediately.
func (o *Outbound) Run(ctx context.Context) {
	timer := time.NewTimer(o.ioTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if o.PumpOne(ctx) {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.ioTimeout)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
