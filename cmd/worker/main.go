// Package main provides the mirror worker entry point for the phone-pay
// service. It replays registrations whose ledger mapping landed but whose
// profile write did not.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phone-pay/internal/bootstrap"
	"github.com/phone-pay/internal/config"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/worker"
)

func main() {
	fmt.Println("Phone Pay Mirror Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Store.Mode == config.StoreModeMemory {
		log.Fatal("The mirror worker needs the shared Redis journal; STORE_MODE=memory runs it inside the server instead")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := bootstrap.Build(startCtx, cfg)
	cancelStart()
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer app.Close()

	workerCfg := &worker.MirrorWorkerConfig{
		Repairer:  app.Registrations,
		Journal:   app.Journal,
		Interval:  cfg.Worker.MirrorInterval,
		BatchSize: cfg.Worker.MirrorBatch,
	}
	if app.Pool != nil {
		workerCfg.Endpoints = app.Pool
	}

	mirror, err := worker.NewMirrorWorker(workerCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create mirror worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mirror.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start mirror worker")
	}

	// Set up graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, stopping mirror worker...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := mirror.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping mirror worker")
	}

	status := mirror.GetStatus()
	logger.WithFields(map[string]interface{}{
		"runs":     status.TotalRuns,
		"repaired": status.TotalFixed,
		"dropped":  status.TotalDropped,
	}).Info("Mirror worker stopped. Goodbye!")
}
