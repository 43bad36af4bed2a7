// Package metrics implements the measurement layer: the counters,
// histograms, and per-frame timing annotations observing the tunnel.
// Exporting these over HTTP (Prometheus scrape endpoint, OTLP push) is the
// outer shell's job; this package only owns instrument creation and
// recording.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Service identifies which role (Client or Server) is recording a metric.
type Service string

const (
	Client Service = "Client"
	Server Service = "Server"
)

// Socket identifies which local bus socket a metric concerns.
type Socket string

const (
	Source Socket = "Source"
	Sink   Socket = "Sink"
)

// Boundaries carries configurable histogram bucket bounds, one list per
// named histogram.
type Boundaries struct {
	Delay                     []float64
	MessageSize               []float64
	LeftZMQCapacity           []float64
	ConsumedZMQCapacity       []float64
	LeftWSReadingCapacity     []float64
	ConsumedWSReadingCapacity []float64
}

func bucketsOrDefault(b []float64) []float64 {
	if len(b) > 0 {
		return b
	}
	return prometheus.DefBuckets
}

// Metrics owns every instrument the tunnel records, registered on a private
// registry the service constructs, never a process-global default
// registry, so multiple Client/Server instances in one test binary don't
// collide.
type Metrics struct {
	service Service
	reg     *prometheus.Registry

	messagesTotal  *prometheus.CounterVec
	tracesTotal    *prometheus.CounterVec
	wsConnected    *prometheus.CounterVec
	wsDisconnected *prometheus.CounterVec
	wsConnAttempts *prometheus.CounterVec
	wsConnErrors   *prometheus.CounterVec
	wsReadDrops    *prometheus.CounterVec
	wsPauses       *prometheus.CounterVec
	wsResumed      *prometheus.CounterVec

	delay                     *prometheus.HistogramVec
	messageSize               *prometheus.HistogramVec
	leftZMQCapacity           *prometheus.HistogramVec
	consumedZMQCapacity       *prometheus.HistogramVec
	leftWSReadingCapacity     prometheus.Histogram
	consumedWSReadingCapacity prometheus.Histogram
}

// New creates and registers every instrument for one service instance.
func New(service Service, b Boundaries) *Metrics {
	reg := prometheus.NewRegistry()
	base := prometheus.Labels{"service": string(service)}

	m := &Metrics{service: service, reg: reg}

	m.messagesTotal = registerCounterVec(reg, "messages_total", "ZeroMQ messages observed", base, "socket")
	m.tracesTotal = registerCounterVec(reg, "traces_total", "ZeroMQ message telemetry traces", base, "socket", "propagation")
	m.wsConnected = registerCounterVec(reg, "ws_connected_total", "Established WebSocket connections", base)
	m.wsDisconnected = registerCounterVec(reg, "ws_disconnected_total", "Disconnected WebSocket connections", base)
	m.wsConnAttempts = registerCounterVec(reg, "ws_connection_attempts_total", "Attempts to establish a WebSocket connection", base)
	m.wsConnErrors = registerCounterVec(reg, "ws_connection_errors_total", "Errors establishing a WebSocket connection", base)
	m.wsReadDrops = registerCounterVec(reg, "ws_read_drops_total", "Inbound WebSocket frames dropped for lack of sink capacity", base)
	m.wsPauses = registerCounterVec(reg, "ws_writing_pauses_total", "WebSocket writing pauses", base)
	m.wsResumed = registerCounterVec(reg, "ws_writing_resumed_total", "WebSocket writing resumptions", base)

	m.delay = registerHistogramVec(reg, "delay", "Delay caused by message processing between two hops", base, bucketsOrDefault(b.Delay), "path_start", "path_end")
	m.messageSize = registerHistogramVec(reg, "message_size", "Data size of a WebSocket message", base, bucketsOrDefault(b.MessageSize), "socket")
	m.leftZMQCapacity = registerHistogramVec(reg, "left_zmq_capacity", "Remaining ZeroMQ socket capacity", base, bucketsOrDefault(b.LeftZMQCapacity), "socket")
	m.consumedZMQCapacity = registerHistogramVec(reg, "consumed_zmq_capacity", "Consumed ZeroMQ socket capacity", base, bucketsOrDefault(b.ConsumedZMQCapacity), "socket")

	m.leftWSReadingCapacity = registerHistogram(reg, "left_ws_reading_capacity", "Remaining WebSocket sink queue capacity", base, bucketsOrDefault(b.LeftWSReadingCapacity))
	m.consumedWSReadingCapacity = registerHistogram(reg, "consumed_ws_reading_capacity", "Consumed WebSocket sink queue capacity", base, bucketsOrDefault(b.ConsumedWSReadingCapacity))

	return m
}

// Registry exposes the private registry for an external exporter to scrape;
// CloudPin's core never starts the HTTP listener itself.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func registerCounterVec(reg *prometheus.Registry, name, help string, constLabels prometheus.Labels, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	}, labels)
	reg.MustRegister(v)
	return v
}

func registerHistogramVec(reg *prometheus.Registry, name, help string, constLabels prometheus.Labels, buckets []float64, labels ...string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
		Buckets:     buckets,
	}, labels)
	reg.MustRegister(v)
	return v
}

func registerHistogram(reg *prometheus.Registry, name, help string, constLabels prometheus.Labels, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
		Buckets:     buckets,
	})
	reg.MustRegister(h)
	return h
}

// MessageObserved records a message traversal on socket (Source or Sink).
func (m *Metrics) MessageObserved(socket Socket) {
	m.messagesTotal.WithLabelValues(string(socket)).Inc()
}

// TraceObserved records a propagated trace context observation.
func (m *Metrics) TraceObserved(socket Socket, propagation string) {
	m.tracesTotal.WithLabelValues(string(socket), propagation).Inc()
}

func (m *Metrics) WSConnected()         { m.wsConnected.WithLabelValues().Inc() }
func (m *Metrics) WSDisconnected()      { m.wsDisconnected.WithLabelValues().Inc() }
func (m *Metrics) WSConnectionAttempt() { m.wsConnAttempts.WithLabelValues().Inc() }
func (m *Metrics) WSConnectionError()   { m.wsConnErrors.WithLabelValues().Inc() }
func (m *Metrics) WSReadDrop()          { m.wsReadDrops.WithLabelValues().Inc() }
func (m *Metrics) WSWritingPaused()     { m.wsPauses.WithLabelValues().Inc() }
func (m *Metrics) WSWritingResumed()    { m.wsResumed.WithLabelValues().Inc() }

// MessageSize records the size of one WebSocket payload.
func (m *Metrics) MessageSize(socket Socket, bytes int) {
	m.messageSize.WithLabelValues(string(socket)).Observe(float64(bytes))
}

// ZMQCapacity records the left/consumed capacity pair for a socket.
func (m *Metrics) ZMQCapacity(socket Socket, consumed, total int) {
	m.consumedZMQCapacity.WithLabelValues(string(socket)).Observe(float64(consumed))
	m.leftZMQCapacity.WithLabelValues(string(socket)).Observe(float64(total - consumed))
}

// WSReadingCapacity records the sink queue's left/consumed capacity.
func (m *Metrics) WSReadingCapacity(consumed, total int) {
	m.consumedWSReadingCapacity.Observe(float64(consumed))
	m.leftWSReadingCapacity.Observe(float64(total - consumed))
}

// Delay records a hop-to-hop delay for a video-frame message.
func (m *Metrics) Delay(pathStart, pathEnd Service, seconds float64) {
	m.delay.WithLabelValues(string(pathStart), string(pathEnd)).Observe(seconds)
}
