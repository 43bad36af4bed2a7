package pump

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/insight-platform/cloudpin/internal/bus"
	"github.com/insight-platform/cloudpin/internal/frame"
	"github.com/insight-platform/cloudpin/internal/metrics"
)

// reportInterval bounds how often the drop-rate warning may fire.
const reportInterval = time.Second

// Inbound is the inbound pump: WebSocket -> unpack -> local writer.
//
// Intake is called from the WebSocket read loop (producer); Run/PumpMany
// drain the sink queue into the local writer (consumer). The two sides
// never share mutable state beyond the channel itself and the drop
// counter, which is only ever written under mu.
type Inbound struct {
	writer  bus.Writer
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue    chan []byte
	capacity int

	mu       sync.Mutex
	drops    int
	lastWarn time.Time

	ioTimeout time.Duration

	// backpressure, when non-nil, is invoked from Run whenever the sink
	// queue sits at capacity while the local writer has none: the hook the
	// supervisor uses to close the connection with TRY_AGAIN_LATER.
	backpressure func()
}

// NewInbound constructs the inbound pump. capacity is the sink queue's
// bound: twice the local writer's max inflight messages.
func NewInbound(writer bus.Writer, m *metrics.Metrics, logger *slog.Logger, capacity int, ioTimeout time.Duration) *Inbound {
	return &Inbound{
		writer:    writer,
		metrics:   m,
		logger:    logger,
		queue:     make(chan []byte, capacity),
		capacity:  capacity,
		ioTimeout: ioTimeout,
	}
}

// SetBackpressure installs the hook invoked when the sink queue is stuck
// at capacity with no writer headroom left.
func (p *Inbound) SetBackpressure(fn func()) {
	p.backpressure = fn
}

// Intake enqueues one incoming WebSocket frame payload. Non-binary frames
// must already have been filtered out by the listener, which can tell
// control frames apart without allocating.
func (p *Inbound) Intake(payload []byte) {
	select {
	case p.queue <- payload:
	default:
		p.mu.Lock()
		p.drops++
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.WSReadDrop()
		}
	}
}

func (p *Inbound) maybeWarn() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.drops == 0 {
		return
	}
	if time.Since(p.lastWarn) < reportInterval {
		return
	}
	if p.logger != nil {
		p.logger.Warn("websocket sink queue limit exceeded", slog.Int("dropped", p.drops))
	}
	p.drops = 0
	p.lastWarn = time.Now()
}

// PumpMany drains the sink queue into the local writer while it has
// capacity. It returns the number of messages delivered.
func (p *Inbound) PumpMany() int {
	delivered := 0
	for p.writer.HasCapacity() {
		select {
		case payload := <-p.queue:
			f, err := frame.Unpack(payload)
			if err != nil {
				if p.logger != nil {
					p.logger.Warn("discarding malformed frame", slog.String("error", err.Error()))
				}
				continue
			}
			if err := p.writer.Send(f.Topic, f.Body, f.Extra); err != nil {
				if p.logger != nil {
					p.logger.Error("local writer send failed", slog.String("error", err.Error()))
				}
				continue
			}
			delivered++
			if p.metrics != nil {
				p.metrics.MessageObserved(metrics.Sink)
				p.metrics.MessageSize(metrics.Sink, len(payload))
			}
		default:
			return delivered
		}
	}
	if p.metrics != nil {
		p.metrics.WSReadingCapacity(len(p.queue), p.capacity)
	}
	return delivered
}

// QueueLen reports the current sink queue depth.
func (p *Inbound) QueueLen() int { return len(p.queue) }

// Run drives PumpMany until ctx is done, sleeping IOTimeout between passes.
func (p *Inbound) Run(ctx context.Context) {
	ticker := time.NewTicker(p.ioTimeout)
	defer ticker.Stop()

	for {
		p.PumpMany()
		p.maybeWarn()

		if p.backpressure != nil && len(p.queue) == p.capacity && !p.writer.HasCapacity() {
			p.backpressure()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
