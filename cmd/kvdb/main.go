package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kvdb/internal/configuration"
	"kvdb/internal/logging"
	"kvdb/internal/metrics"
	"kvdb/internal/replay"
	"kvdb/internal/statemachine"
	"kvdb/internal/storage"
	"kvdb/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configDir := flag.String("config", "config", "directory holding application.yml and profile overlays")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := run(ctx, *configDir); err != nil {
		slog.Error("node exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configDir string) error {
	cfg, err := configuration.Load(configDir)
	if err != nil {
		return err
	}

	logging.Init(cfg.App.LogLevel)
	slog.Info("starting node",
		"node_id", cfg.Node.ID,
		"profile", cfg.App.Profile,
		"storage_dir", cfg.Storage.Dir,
	)

	log, err := storage.Open(cfg.Storage.Dir, cfg.Storage.NoSync)
	if err != nil {
		return err
	}
	defer func() {
		if err := log.Close(); err != nil {
			slog.Error("failed to close storage", "error", err)
		}
	}()

	sm := statemachine.New(cfg.Node.ID)
	driver := replay.New(sm, log, replay.Config{
		NodeID:    cfg.Node.ID,
		SnapCount: cfg.Storage.SnapCount,
	})

	if err := driver.Recover(); err != nil {
		return err
	}

	metricsServer := metrics.NewServer(cfg.Metrics.Address, driver.Healthy)
	if err := metricsServer.Start(); err != nil {
		return err
	}
	defer metricsServer.Stop()

	transportService := transport.NewTransportService(&cfg.Transport, driver)
	if _, err := transportService.StartServer(); err != nil {
		return err
	}

	slog.Info("node ready", "node_id", cfg.Node.ID, "applied_index", driver.AppliedIndex())

	<-ctx.Done()
	slog.Info("shutting down", "node_id", cfg.Node.ID)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	transportService.Stop(stopCtx)

	if driver.Healthy() {
		if err := driver.TriggerSnapshot(); err != nil {
			slog.Warn("final snapshot failed", "error", err)
		}
	}

	return nil
}
