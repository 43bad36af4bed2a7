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

// Client is the Client-role service: dials out to a remote CloudPin Server
// and pumps messages between the local ZeroMQ bus and that connection.
type Client struct {
	lifecycle

	cfg        *config.Client
	reader     bus.Reader
	writer     bus.Writer
	outbound   *pump.Outbound
	inbound    *pump.Inbound
	supervisor *transport.ClientSupervisor
}

// NewClient wires a Client service from its already-constructed
// collaborators. Building the ZeroMQ reader/writer is the caller's
// (cmd/cloudpin-client's) job.
func NewClient(cfg *config.Client, reader bus.Reader, writer bus.Writer, m *metrics.Metrics, logger *slog.Logger) *Client {
	inbound := pump.NewInbound(writer, m, logger, 2*cfg.Sink.MaxInflightMessages, cfg.IOTimeout)
	supervisor := transport.NewClientSupervisor(cfg, inbound, logger, m)
	inbound.SetBackpressure(supervisor.CloseForBackpressure)
	outbound := pump.NewOutbound(reader, supervisor, m, cfg.IOTimeout, cfg.MaxWSPayloadBytes, cfg.Source.ResultsQueueSize)

	return &Client{
		lifecycle:  newLifecycle(logger),
		cfg:        cfg,
		reader:     reader,
		writer:     writer,
		outbound:   outbound,
		inbound:    inbound,
		supervisor: supervisor,
	}
}

// Run starts the local bus sockets and the three concurrent loops (inbound
// pump, outbound pump, reconnect loop), and blocks until ctx is cancelled,
// Stop is called, or one of the loops exits. On return, the local sockets
// and any active connection have been torn down.
func (c *Client) Run(parent context.Context) error {
	ctx, done := c.begin(parent)
	defer done()

	if err := c.reader.Start(); err != nil {
		return fmt.Errorf("service: starting source reader: %w", err)
	}
	defer func() { _ = c.reader.Shutdown() }()

	if err := c.writer.Start(); err != nil {
		return fmt.Errorf("service: starting sink writer: %w", err)
	}
	defer func() { _ = c.writer.Shutdown() }()

	c.markStarted()
	if c.logger != nil {
		c.logger.Info("client service running")
	}

	err := runLoops(ctx,
		func(ctx context.Context) error { c.inbound.Run(ctx); return errStopped },
		func(ctx context.Context) error { c.outbound.Run(ctx); return errStopped },
		func(ctx context.Context) error {
			if err := c.supervisor.Run(ctx, c.cfg.IOTimeout, c.cfg.ReconnectTimeout); err != nil {
				return err
			}
			return errStopped
		},
	)

	if c.logger != nil {
		c.logger.Info("client service stopped")
	}
	return err
}
