// Package service implements the service controller: the top-level Client
// and Server lifecycles that own the local bus sockets, the pumps, and the
// connection supervisor, and drive them to completion together.
//
// A service transitions not-running -> running -> stopped exactly once per
// Run call, and Stop is safe to call before, during, or after Run.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// errStopped is returned by goroutines with no natural error (the pumps'
// Run loops) to make their exit cancel the errgroup's shared context:
// whichever task finishes first tells the rest to stop.
var errStopped = errors.New("service: loop stopped")

// Service is implemented by Client and Server.
type Service interface {
	// Run blocks until ctx is cancelled, Stop is called, or one of the
	// service's internal loops exits on its own (e.g. a fatal config
	// error). It returns nil on a clean stop.
	Run(ctx context.Context) error
	// Stop requests the service to exit and blocks until it has.
	// Safe to call multiple times and before Run has started.
	Stop()
	// Started returns a channel closed once the local bus sockets have
	// started. The Server closes it before its HTTP listener is bound, so
	// a closed channel does not mean the listener accepts connections yet.
	Started() <-chan struct{}
}

// lifecycle is the shared not-running/running/stopped bookkeeping both
// Client and Server embed.
type lifecycle struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	started chan struct{}
	stopped chan struct{}
	logger  *slog.Logger
}

func newLifecycle(logger *slog.Logger) lifecycle {
	stopped := make(chan struct{})
	close(stopped) // a service that has never run counts as already stopped
	return lifecycle{started: make(chan struct{}), stopped: stopped, logger: logger}
}

func (l *lifecycle) Started() <-chan struct{} { return l.started }

// begin marks the service running: resets stopped, fires a fresh cancelable
// context derived from parent, and returns it plus a function to mark the
// service stopped again.
func (l *lifecycle) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	l.mu.Lock()
	l.cancel = cancel
	l.started = make(chan struct{})
	l.stopped = make(chan struct{})
	stopped := l.stopped
	l.mu.Unlock()

	return ctx, func() { close(stopped) }
}

func (l *lifecycle) markStarted() {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	select {
	case <-started:
	default:
		close(started)
	}
}

// Stop requests shutdown and waits for it to complete.
func (l *lifecycle) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	stopped := l.stopped
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-stopped
}

// runLoops is the errgroup-based FIRST_COMPLETED fan-in shared by Client.Run
// and Server.Run: every fn is started concurrently; the first one to return
// (for any reason) cancels the derived context the rest observe, and
// runLoops waits for all of them before returning.
func runLoops(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

var (
	_ Service = (*Client)(nil)
	_ Service = (*Server)(nil)
)
