package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/insight-platform/cloudpin/internal/bus"
	"github.com/insight-platform/cloudpin/internal/config"
	"github.com/insight-platform/cloudpin/internal/metrics"
	"github.com/insight-platform/cloudpin/internal/pump"
	"github.com/insight-platform/cloudpin/internal/transport"
)

// Server is the Server-role service: accepts the single inbound tunnel
// connection and pumps messages between it and the local ZeroMQ bus.
type Server struct {
	lifecycle

	cfg        *config.Server
	reader     bus.Reader
	writer     bus.Writer
	outbound   *pump.Outbound
	inbound    *pump.Inbound
	supervisor *transport.ServerSupervisor
}

// NewServer wires a Server service from its already-constructed collaborators.
func NewServer(cfg *config.Server, reader bus.Reader, writer bus.Writer, m *metrics.Metrics, logger *slog.Logger) *Server {
	inbound := pump.NewInbound(writer, m, logger, 2*cfg.Sink.MaxInflightMessages, cfg.IOTimeout)
	supervisor := transport.NewServerSupervisor(cfg, inbound, logger, m)
	inbound.SetBackpressure(supervisor.CloseForBackpressure)
	outbound := pump.NewOutbound(reader, supervisor, m, cfg.IOTimeout, cfg.MaxWSPayloadBytes, cfg.Source.ResultsQueueSize)

	return &Server{
		lifecycle:  newLifecycle(logger),
		cfg:        cfg,
		reader:     reader,
		writer:     writer,
		outbound:   outbound,
		inbound:    inbound,
		supervisor: supervisor,
	}
}

// Run starts the local bus sockets and the HTTP(S) listener, then runs the
// inbound/outbound pumps and the listener concurrently until ctx is
// cancelled, Stop is called, or any of the three exits.
func (s *Server) Run(parent context.Context) error {
	ctx, done := s.begin(parent)
	defer done()

	if err := s.reader.Start(); err != nil {
		return fmt.Errorf("service: starting source reader: %w", err)
	}
	defer func() { _ = s.reader.Shutdown() }()

	if err := s.writer.Start(); err != nil {
		return fmt.Errorf("service: starting sink writer: %w", err)
	}
	defer func() { _ = s.writer.Shutdown() }()

	addr, err := s.cfg.Addr()
	if err != nil {
		return err
	}

	s.markStarted()
	if s.logger != nil {
		s.logger.Info("server service running", slog.String("addr", addr))
	}

	err = runLoops(ctx,
		func(ctx context.Context) error { s.inbound.Run(ctx); return errStopped },
		func(ctx context.Context) error { s.outbound.Run(ctx); return errStopped },
		func(ctx context.Context) error { return s.supervisor.Serve(ctx, addr) },
	)

	if s.logger != nil {
		s.logger.Info("server service stopped")
	}
	return err
}
