// Package bustest provides in-memory fakes of bus.Reader/bus.Writer for
// unit tests that exercise the pumps and service controller without a real
// ZeroMQ broker.
package bustest

import (
	"context"
	"sync"

	"github.com/insight-platform/cloudpin/internal/bus"
)

// Reader is an in-memory bus.Reader. Feed it messages with Push.
type Reader struct {
	mu      sync.Mutex
	queue   []bus.Result
	started bool
	down    bool
}

// NewReader returns an empty fake reader.
func NewReader() *Reader { return &Reader{} }

// Push enqueues a message result as if it arrived from the wire.
func (r *Reader) Push(topic, message, extra []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, bus.Result{
		Kind:    bus.ResultMessage,
		Topic:   topic,
		Message: message,
		Extra:   extra,
	})
}

// PushNonMessage enqueues a non-message result (timeout/prefix mismatch) to
// exercise the outbound pump's "discard non-message results" behaviour.
func (r *Reader) PushNonMessage(kind bus.ResultKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, bus.Result{Kind: kind})
}

func (r *Reader) EnqueuedResults() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Reader) TryReceive() (bus.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return bus.Result{}, false
	}
	res := r.queue[0]
	r.queue = r.queue[1:]
	return res, true
}

func (r *Reader) Receive(ctx context.Context) (bus.Result, error) {
	for {
		if res, ok := r.TryReceive(); ok {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return bus.Result{}, ctx.Err()
		default:
		}
	}
}

func (r *Reader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *Reader) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = true
	return nil
}

func (r *Reader) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *Reader) IsShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

// Writer is an in-memory bus.Writer. Sent messages land in Sent, in order.
type Writer struct {
	mu          sync.Mutex
	Sent        []Sent
	maxInflight int
	inflight    int
	started     bool
	down        bool
	// FailNext, when > 0, makes the next N Send calls return SendErr.
	FailNext int
	SendErr  error
}

// Sent records one delivered message.
type Sent struct {
	Topic, Message, Extra []byte
}

// NewWriter returns a fake writer with the given inflight capacity.
func NewWriter(maxInflight int) *Writer {
	return &Writer{maxInflight: maxInflight}
}

func (w *Writer) InflightMessages() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

func (w *Writer) HasCapacity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight < w.maxInflight
}

// SetInflight lets tests simulate backpressure directly.
func (w *Writer) SetInflight(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight = n
}

func (w *Writer) Send(topic, message, extra []byte) error {
	w.mu.Lock()
	if w.FailNext > 0 {
		w.FailNext--
		err := w.SendErr
		w.mu.Unlock()
		return err
	}
	w.Sent = append(w.Sent, Sent{Topic: topic, Message: message, Extra: extra})
	w.mu.Unlock()
	return nil
}

func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	return nil
}

func (w *Writer) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down = true
	return nil
}

func (w *Writer) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *Writer) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.down
}
