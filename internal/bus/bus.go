// Package bus wraps the local ZeroMQ ROUTER/DEALER sockets behind the
// non-blocking Reader/Writer surface the pumps depend on. The ZeroMQ
// binding itself (github.com/go-zeromq/zmq4) does the socket work; this
// package only owns the thin non-blocking facade.
package bus

import (
	"context"
	"errors"
	"fmt"
)

// ErrBus wraps every failure this package produces: start-up contention,
// an invalid URL, or a mid-run socket failure.
var ErrBus = errors.New("bus: error")

// ResultKind distinguishes the three outcomes TryReceive/Receive can
// produce, matching the upstream ZeroMQ binding's result enum.
type ResultKind int

const (
	// ResultMessage carries a real application message.
	ResultMessage ResultKind = iota
	// ResultTimeout means the underlying poll timed out with nothing ready.
	ResultTimeout
	// ResultPrefixMismatch means a message arrived whose topic prefix the
	// reader isn't subscribed to.
	ResultPrefixMismatch
)

// Result is what TryReceive/Receive return. Topic/Message/Extra are only
// meaningful when Kind == ResultMessage.
type Result struct {
	Kind    ResultKind
	Topic   []byte
	Message []byte
	Extra   []byte
}

// Reader is a handle to a non-blocking ZeroMQ ROUTER-capable source socket.
type Reader interface {
	// EnqueuedResults reports how many results are currently queued.
	EnqueuedResults() int
	// TryReceive returns the next queued result without blocking, or
	// (Result{}, false) if none is available yet.
	TryReceive() (Result, bool)
	// Receive blocks until a result is available or ctx is done.
	Receive(ctx context.Context) (Result, error)
	// Start begins the socket's background receive loop.
	Start() error
	// Shutdown stops the socket. Idempotent; must not block forever on an
	// empty queue.
	Shutdown() error
	IsStarted() bool
	IsShutdown() bool
}

// Writer is a handle to a non-blocking ZeroMQ DEALER-capable sink socket.
type Writer interface {
	// InflightMessages reports how many sends haven't been acknowledged.
	InflightMessages() int
	// HasCapacity reports InflightMessages() < max_inflight.
	HasCapacity() bool
	// Send enqueues a message for transmission. It does not block on
	// capacity; callers must check HasCapacity first.
	Send(topic, message, extra []byte) error
	Start() error
	Shutdown() error
	IsStarted() bool
	IsShutdown() bool
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrBus, op, err)
}
