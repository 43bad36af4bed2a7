package metrics

// TimingLabel names one of the four hops a video-frame message crosses
// while traversing the tunnel.
type TimingLabel string

const (
	ClientSourceTimestamp TimingLabel = "client_source_timestamp"
	ServerSinkTimestamp   TimingLabel = "server_sink_timestamp"
	ServerSourceTimestamp TimingLabel = "server_source_timestamp"
	ClientSinkTimestamp   TimingLabel = "client_sink_timestamp"
)

// TimingsCarrier adapts CloudPin's measurement layer to whatever concrete
// application-message type carries the "timings" attribute. Serializing
// that message is out of scope; this interface is the seam a caller's
// message envelope must satisfy for the measurement layer to annotate it.
//
// IsVideoFrame reports whether the message is a video frame at all; only
// video frames carry timings.
type TimingsCarrier interface {
	IsVideoFrame() bool
	Timings() []TimingEntry
	SetTimings(entries []TimingEntry)
}

// TimingEntry is one (label, unix-timestamp-seconds) pair.
type TimingEntry struct {
	Label     TimingLabel
	Timestamp float64
}

// Timings is a thin, stateless helper over a TimingsCarrier implementing
// the append/lookup semantics of the timings attribute. It mutates the
// carrier in place.
type Timings struct {
	carrier TimingsCarrier
}

// NewTimings wraps a message envelope for timing annotation. The caller
// must check carrier.IsVideoFrame() before use if it wants to skip
// non-video messages entirely; AppendTiming is a no-op on non-video frames.
func NewTimings(carrier TimingsCarrier) Timings {
	return Timings{carrier: carrier}
}

// AppendTiming records now (as unix seconds, supplied by the caller so this
// package stays free of a wall-clock dependency) under label. When truncate
// is set, prior entries are discarded first; the Client source hop uses
// this to start a new delivery cycle.
func (t Timings) AppendTiming(label TimingLabel, nowUnixSeconds float64, truncate bool) {
	if t.carrier == nil || !t.carrier.IsVideoFrame() {
		return
	}

	entries := t.carrier.Timings()
	if truncate {
		entries = nil
	}
	entries = append(entries, TimingEntry{Label: label, Timestamp: nowUnixSeconds})
	t.carrier.SetTimings(entries)
}

// Delay returns end's timestamp minus start's, or (0, false) if either hop
// hasn't been recorded yet.
func (t Timings) Delay(start, end TimingLabel) (float64, bool) {
	if t.carrier == nil {
		return 0, false
	}

	var startTS, endTS float64
	var haveStart, haveEnd bool
	for _, e := range t.carrier.Timings() {
		switch e.Label {
		case start:
			startTS, haveStart = e.Timestamp, true
		case end:
			endTS, haveEnd = e.Timestamp, true
		}
	}
	if !haveStart || !haveEnd {
		return 0, false
	}
	return endTS - startTS, true
}

// RecordVideoFrameDelays records every hop-to-hop delay present on carrier
// into m's delay histogram.
func (m *Metrics) RecordVideoFrameDelays(t Timings) {
	if d, ok := t.Delay(ClientSourceTimestamp, ServerSinkTimestamp); ok {
		m.Delay(Client, Server, d)
	}
	if d, ok := t.Delay(ServerSinkTimestamp, ServerSourceTimestamp); ok {
		m.Delay(Server, Server, d)
	}
	if d, ok := t.Delay(ServerSourceTimestamp, ClientSinkTimestamp); ok {
		m.Delay(Server, Client, d)
	}
	if d, ok := t.Delay(ClientSourceTimestamp, ClientSinkTimestamp); ok {
		m.Delay(Client, Client, d)
	}
}

// TraceContextCarrier adapts an application message's span context so the
// measurement layer can detect which propagation formats (W3C traceparent
// / Jaeger uber-trace-id) are present for the traces_total propagation
// label.
type TraceContextCarrier interface {
	// HasHeader reports whether the given header key is present in the
	// message's propagated span context, if any.
	HasHeader(key string) bool
}

const (
	jaegerTraceHeader = "uber-trace-id"
	w3cTraceHeader    = "traceparent"
)

// DetectPropagation reports which propagation formats ctx's span context
// carries.
func DetectPropagation(ctx TraceContextCarrier) (w3c, jaeger bool) {
	if ctx == nil {
		return false, false
	}
	return ctx.HasHeader(w3cTraceHeader), ctx.HasHeader(jaegerTraceHeader)
}

// PropagationLabel renders the (w3c, jaeger) pair into the traces_total
// propagation label value.
func PropagationLabel(w3c, jaeger bool) (string, bool) {
	switch {
	case w3c && jaeger:
		return "Jaeger,W3C", true
	case w3c:
		return "W3C", true
	case jaeger:
		return "Jaeger", true
	default:
		return "", false
	}
}
