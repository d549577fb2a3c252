// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// ics-guard is the application-layer security overlay daemon: it
// subscribes to the SDN controller's event streams, scores flows with
// the detection model, auto-contains dangerous flows, and serves the
// REST and UI WebSocket surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LingshijunRenzy/ICS-guard/internal/api"
	"github.com/LingshijunRenzy/ICS-guard/internal/config"
	"github.com/LingshijunRenzy/ICS-guard/internal/ctlplane"
	"github.com/LingshijunRenzy/ICS-guard/internal/events"
	"github.com/LingshijunRenzy/ICS-guard/internal/inference"
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
	"github.com/LingshijunRenzy/ICS-guard/internal/pipeline"
	"github.com/LingshijunRenzy/ICS-guard/internal/responder"
	"github.com/LingshijunRenzy/ICS-guard/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional HCL config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "ics-guard:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level: cfg.LogLevel,
		JSON:  cfg.LogJSON,
	})
	logging.SetDefault(logger)
	logger.Info("starting ics-guard", "controller", cfg.ControllerBaseURL, "listen", cfg.ListenAddr)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.EnsureAdmin(cfg.SecretKey); err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	infer := inference.NewService()
	thresholds := inference.Thresholds{
		Alert:    cfg.ThresholdAlert,
		Throttle: cfg.ThresholdThrottle,
		Block:    cfg.ThresholdBlock,
		Redirect: cfg.ThresholdRedirect,
	}
	if !infer.Load(inference.Options{
		ModelDir:       cfg.ModelDir,
		ModelFile:      cfg.ModelFile,
		FeaturesFile:   cfg.FeaturesFile,
		ThresholdsFile: cfg.ThresholdsFile,
		Thresholds:     &thresholds,
	}) {
		logger.Warn("model artifacts missing, detection disabled until loaded")
	}

	controller := ctlplane.NewClient(cfg.ControllerBaseURL, cfg.ControllerClientID, cfg.ControllerClientSecret)

	cache := events.NewCache(events.DefaultCacheSize)
	hub := events.NewHub(logger, registry)
	hub.Start()

	recorder := events.NewRecorder(cache, hub, db, logger)
	respond := responder.New(controller, recorder, logger)

	pipe := pipeline.New(db, infer, respond, recorder, pipeline.Options{}, logger, registry)
	pipe.Start()

	var bus *events.Bus
	if cfg.EnableControllerWS {
		bus = events.NewBus(cfg.ControllerWSBaseURL, logger)
		for _, t := range events.SubscribedTypes() {
			bus.RegisterHandler(t, recorder.Record)
		}
		bus.RegisterHandler(events.TypeFlowUpdate, pipe.HandleFlowEvent)
		bus.Start()
	} else {
		logger.Info("controller event subscription disabled")
	}

	server := api.NewServer(api.Options{
		Store:      db,
		Controller: controller,
		Inference:  infer,
		Cache:      cache,
		Hub:        hub,
		Logger:     logger,
		Registry:   registry,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// The UI event stream also gets its own listener so dashboards can
	// connect without going through the REST port.
	uiMux := http.NewServeMux()
	uiMux.Handle("/ui-events", hub)
	uiSrv := &http.Server{Addr: cfg.UIWSAddr(), Handler: uiMux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("ui event stream listening", "addr", cfg.UIWSAddr())
		if err := uiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("api server failed", "error", err)
	}

	// Stop intake first, then drain the pipeline, then the UI surface.
	if bus != nil {
		bus.Stop()
	}
	pipe.Stop()
	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := uiSrv.Shutdown(ctx); err != nil {
		logger.Warn("ui stream shutdown incomplete", "error", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
	logger.Info("stopped")
	return nil
}
