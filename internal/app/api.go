package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaennil/guide_helper/backend/bridge/internal/infrastructure/cli"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/config"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine/geo"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/metrics"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

func Run(cfg *config.Config) {
	// Initialize logger
	l := logger.NewZapLogger(cfg.Logger.Level)

	if err := run(cfg, l); err != nil {
		l.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, l logger.Logger) error {
	l.Debug("starting bridge", "config", cfg)

	// Initialize OpenTelemetry if enabled
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
		l.Info("telemetry initialized", "service", cfg.Telemetry.ServiceName)
	}

	// Rendering engine
	eng := geo.New(geo.WithLogger(l))

	app := cli.NewApp(cli.Deps{
		Config:  cfg,
		Logger:  l,
		Engine:  eng,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
	})

	// Interrupt cancels in-flight renders; sources still drain on the way out
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.RunContext(ctx, os.Args)
}
