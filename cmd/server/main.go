// Package main provides the API server entry point for the phone-pay service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phone-pay/internal/api"
	"github.com/phone-pay/internal/bootstrap"
	"github.com/phone-pay/internal/config"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/worker"
)

func main() {
	fmt.Println("Phone Pay API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := bootstrap.Build(startCtx, cfg)
	cancelStart()
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer app.Close()

	deps := api.Dependencies{
		Registrations: app.Registrations,
		Referrals:     app.Referrals,
		Payments:      app.Payments,
		Health:        map[string]api.Pinger{"store": app.Store},
	}
	if app.Cache != nil {
		deps.Health["redis"] = app.Cache
		deps.Idempotency = app.Cache
	} else {
		logger.Warn("No Redis configured; Idempotency-Key headers are ignored")
	}

	// the memory journal only lives in this process, so repair it here
	var mirror *worker.MirrorWorker
	if cfg.Store.Mode == config.StoreModeMemory {
		mirror, err = worker.NewMirrorWorker(&worker.MirrorWorkerConfig{
			Repairer:  app.Registrations,
			Journal:   app.Journal,
			Interval:  cfg.Worker.MirrorInterval,
			BatchSize: cfg.Worker.MirrorBatch,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create mirror worker")
		}
		if err := mirror.Start(context.Background()); err != nil {
			logger.WithError(err).Fatal("Failed to start mirror worker")
		}
	}

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		IdempotencyTTL:    cfg.Server.IdempotencyTTL,
	}
	server := api.NewServer(serverConfig, deps)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if mirror != nil {
		if err := mirror.Stop(ctx); err != nil {
			logger.WithError(err).Warn("Mirror worker did not stop cleanly")
		}
	}

	logger.Info("Server exited")
}
