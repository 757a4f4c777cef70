// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package main is the entry point for the Tonearc server.
//
// Tonearc runs the adaptive track preference pipeline: it collects
// explicit ratings and controller telemetry, retrains the preference
// model when enough new feedback has accumulated, keeps every trained
// model in a versioned on-disk registry, and only promotes a
// challenger that beats the incumbent while the serving path is
// healthy. The same process serves track similarity queries over the
// feature catalog.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, environment (Koanf v2)
//  2. Model registry: versioned artifact store with latest pointer
//  3. Feedback store: BadgerDB durable event log
//  4. Track catalog and similarity index
//  5. Health monitor: serving-path prober behind a circuit breaker
//  6. Notifier: in-process pubsub, optional NATS mirror
//  7. Coordinator: collector, decision, and health loops
//  8. HTTP API: REST control surface with Prometheus metrics
//
// Long-running work is owned by a suture supervisor tree: the
// pipeline loops in one child supervisor, the HTTP server in another,
// so an API failure never restarts a training loop and vice versa.
//
// # Build Tags
//
//	go build -tags "nats" ./cmd/server  # Enable NATS event mirroring
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the supervisor stops
// its services, queued feedback is flushed to the durable store, and
// the store is closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tonearc/tonearc/internal/api"
	"github.com/tonearc/tonearc/internal/config"
	"github.com/tonearc/tonearc/internal/coordinator"
	"github.com/tonearc/tonearc/internal/feedback"
	"github.com/tonearc/tonearc/internal/health"
	"github.com/tonearc/tonearc/internal/logging"
	"github.com/tonearc/tonearc/internal/notify"
	"github.com/tonearc/tonearc/internal/registry"
	"github.com/tonearc/tonearc/internal/similarity"
	"github.com/tonearc/tonearc/internal/supervisor"
	"github.com/tonearc/tonearc/internal/supervisor/services"
	"github.com/tonearc/tonearc/internal/trainer"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("model_type", cfg.Pipeline.ModelType).
		Str("artifact_root", cfg.Registry.ArtifactRoot).
		Str("catalog", cfg.Similarity.CatalogPath).
		Msg("Starting Tonearc with supervisor tree")

	reg, err := registry.New(registry.Config{
		Root:            cfg.Registry.ArtifactRoot,
		PromotionMargin: cfg.Registry.PromotionMargin,
	}, logging.Component("registry"))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize model registry")
	}

	store, err := feedback.OpenStore(feedback.StoreOptions{
		Path:     cfg.Feedback.Path,
		InMemory: cfg.Feedback.InMemory,
	}, logging.Component("feedback"))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open feedback store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing feedback store")
		}
	}()

	catalog, err := similarity.NewFileCatalog(cfg.Similarity.CatalogPath, logging.Component("catalog"))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load track catalog")
	}
	logging.Info().Int("tracks", catalog.Len()).Msg("Track catalog loaded")

	index, err := similarity.New(similarity.Config{
		Metric:   cfg.Similarity.Metric,
		DefaultK: cfg.Similarity.DefaultK,
		MaxK:     cfg.Similarity.MaxK,
	}, catalog, logging.Component("similarity"))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build similarity index")
	}

	monitor := health.NewMonitor(health.Config{
		ProbeTimeout:            cfg.Health.ProbeTimeout,
		AlertThreshold:          cfg.Health.AlertThreshold,
		HistoryRetention:        cfg.Health.HistoryRetention,
		OnDemandProbesPerMinute: cfg.Health.OnDemandProbesPerMinute,
	}, newServingProber(index, catalog), logging.Component("health"))

	notifier := notify.New(notify.Config{
		BufferSize: cfg.Events.BufferSize,
	}, logging.Logger())
	defer func() {
		if err := notifier.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing notifier")
		}
	}()

	// NATS mirroring is optional and requires building with -tags nats.
	if cfg.Events.NATSEnabled {
		mirror, err := notify.NewNATSMirror(notify.NATSMirrorConfig{
			URL: cfg.Events.NATSURL,
		}, notify.NewWatermillLogger(logging.Component("nats")))
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize NATS mirror")
		}
		notifier.AddMirror(mirror)
		logging.Info().Str("url", cfg.Events.NATSURL).Msg("NATS event mirroring enabled")
	}

	var modelTrainer trainer.Trainer
	switch cfg.Pipeline.ModelType {
	case "preference", "preference-ridge":
		modelTrainer = trainer.NewRidge(trainer.RidgeConfig{})
	default:
		logging.Fatal().Str("model_type", cfg.Pipeline.ModelType).Msg("Unknown model type")
	}

	feedbackQueue := feedback.NewQueue[feedback.FeedbackEvent]("feedback", cfg.Pipeline.FeedbackQueueSize, logging.Logger())
	controllerQueue := feedback.NewQueue[feedback.ControllerEvent]("controller", cfg.Pipeline.ControllerQueueSize, logging.Logger())

	coord, err := coordinator.New(coordinator.Config{
		RetrainThreshold:     cfg.Pipeline.RetrainThreshold,
		MinRetrainInterval:   cfg.Pipeline.MinRetrainInterval,
		DecisionInterval:     cfg.Pipeline.DecisionInterval,
		CollectInterval:      cfg.Pipeline.CollectInterval,
		TrainingTimeout:      cfg.Pipeline.TrainingTimeout,
		ProbeInterval:        cfg.Health.ProbeInterval,
		HistoryPruneInterval: cfg.Health.PruneInterval,
		KeepVersions:         cfg.Registry.KeepVersions,
	}, coordinator.Deps{
		Registry:        reg,
		Trainer:         modelTrainer,
		Monitor:         monitor,
		Store:           store,
		Notifier:        notifier,
		Features:        catalog,
		FeedbackQueue:   feedbackQueue,
		ControllerQueue: controllerQueue,
	}, logging.Component("coordinator"))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize pipeline coordinator")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog compatibility
	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	// Pipeline layer services
	tree.AddPipelineService(services.NewLoopService("collector", coord.RunCollector, logging.Logger()))
	tree.AddPipelineService(services.NewLoopService("decision", coord.RunDecision, logging.Logger()))
	tree.AddPipelineService(services.NewLoopService("health-monitor", coord.RunHealth, logging.Logger()))
	tree.AddPipelineService(services.NewLoopService("store-gc", func(ctx context.Context) error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				// Badger reports an error when nothing was collected.
				if err := store.RunGC(); err == nil {
					logging.Debug().Msg("Feedback store value log compacted")
				}
			}
		}
	}, logging.Logger()))
	logging.Info().Msg("Pipeline services added to supervisor tree")

	handler := api.NewHandler(coord, monitor, index, reg, logging.Component("api"))
	server := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: handler.NewRouter(api.RouterConfig{
			RateLimitRequests: cfg.Server.RateLimitReqs,
			RateLimitWindow:   cfg.Server.RateLimitWindow,
		}),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// API layer services
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	// Flush any feedback still sitting in the queues before the store
	// closes; events already handed to clients must not be lost.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Pipeline.StopTimeout)
	defer flushCancel()
	if err := coord.Shutdown(flushCtx); err != nil {
		logging.Error().Err(err).Msg("Error flushing feedback queues")
	}

	// Report any services that failed to stop within timeout
	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}
