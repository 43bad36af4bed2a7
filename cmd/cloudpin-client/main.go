package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/insight-platform/cloudpin/internal/bus"
	"github.com/insight-platform/cloudpin/internal/config"
	"github.com/insight-platform/cloudpin/internal/metrics"
	"github.com/insight-platform/cloudpin/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not load .env file", "error", err)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		logger.Error("FATAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader, err := bus.NewReader(ctx, cfg.Source)
	if err != nil {
		logger.Error("FATAL: source reader failed", "error", err)
		os.Exit(1)
	}
	writer, err := bus.NewWriter(ctx, cfg.Sink)
	if err != nil {
		logger.Error("FATAL: sink writer failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New(metrics.Client, metrics.Boundaries{
		Delay:                     cfg.Histograms.Delay,
		MessageSize:               cfg.Histograms.MessageSize,
		LeftZMQCapacity:           cfg.Histograms.LeftZMQCapacity,
		ConsumedZMQCapacity:       cfg.Histograms.ConsumedZMQCapacity,
		LeftWSReadingCapacity:     cfg.Histograms.LeftWSReadingCapacity,
		ConsumedWSReadingCapacity: cfg.Histograms.ConsumedWSReadingCapacity,
	})

	// The metrics scrape endpoint is outer-shell wiring, kept out of the
	// service core; enable it by pointing CLOUDPIN_METRICS_ADDR at a port.
	if addr := os.Getenv("CLOUDPIN_METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		go func() {
			logger.Info("metrics endpoint active", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	svc := service.NewClient(cfg, reader, writer, m, logger)

	logger.Info("starting cloudpin client", "server_url", cfg.ServerURL)
	if err := svc.Run(ctx); err != nil {
		logger.Error("FATAL: client service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("cloudpin client shut down")
}
