// Package main provides the groundsync ingestion daemon: it opens the
// relational store, starts the pipeline and the configured delivery
// adapters, and serves the ops API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/qkdops/groundsync/internal/config"
	"github.com/qkdops/groundsync/internal/delivery"
	"github.com/qkdops/groundsync/internal/pipeline"
	"github.com/qkdops/groundsync/internal/store"
)

func main() {
	var (
		configPath  string
		listenAddr  string
		sourcesPath string
	)

	flag.StringVar(&configPath, "config", "", "Path to groundsync.yaml (optional)")
	flag.StringVar(&listenAddr, "listen", "", "Listen address override")
	flag.StringVar(&sourcesPath, "sources", "", "Sources registry override")
	flag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if sourcesPath != "" {
		cfg.SourcesFile = sourcesPath
	}

	// Set up structured logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting groundsync daemon",
		"listen", cfg.ListenAddr,
		"database", cfg.Database.Type,
		"sources", cfg.SourcesFile,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load the sources registry
	var sources *config.Sources
	if cfg.SourcesFile != "" {
		sources, err = config.LoadSources(cfg.SourcesFile)
		if err != nil {
			glog.Fatalf("Failed to load sources registry: %v", err)
		}
		logger.Info("loaded sources registry",
			"path", cfg.SourcesFile,
			"version", sources.Version,
			"sites", len(sources.Sites),
			"stations", len(sources.Stations),
			"spool", sources.SpoolDir != "",
			"nats", sources.NATS != nil,
		)
	}

	// Open the store and bring the schema up
	st, err := store.Open(cfg.Database.StoreConfig(), logger)
	if err != nil {
		glog.Fatalf("Failed to open store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		glog.Fatalf("Failed to migrate store: %v", err)
	}

	// Start the pipeline. It gets its own lifetime so intake can be
	// stopped and the queue drained after the HTTP server and adapters
	// are already down.
	coord := pipeline.NewCoordinator(st, pipeline.ConfigFromEnv(), logger)
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		coord.Run(pipeCtx)
	}()

	// Start the configured delivery adapters
	var adapters sync.WaitGroup
	if sources != nil {
		if sources.SpoolDir != "" {
			watcher := delivery.NewSpoolWatcher(delivery.SpoolConfig{
				Dir:    sources.SpoolDir,
				Rescan: 5 * time.Minute,
			}, coord, st, logger)
			adapters.Add(1)
			go func() {
				defer adapters.Done()
				if err := watcher.Run(ctx); err != nil {
					logger.Error("spool watcher failed", "error", err)
				}
			}()
		}
		if len(sources.Sites) > 0 || len(sources.Stations) > 0 {
			poller := delivery.NewPoller(pollerSites(sources), pollerStations(sources), coord, st, logger)
			adapters.Add(1)
			go func() {
				defer adapters.Done()
				_ = poller.Run(ctx)
			}()
		}
		if sources.NATS != nil {
			nsub := delivery.NewNATSSubscriber(delivery.NATSConfig{
				URL:           sources.NATS.URL,
				SubjectPrefix: sources.NATS.SubjectPrefix,
				QueueGroup:    sources.NATS.QueueGroup,
				Durable:       sources.NATS.Durable,
			}, coord, st, logger)
			adapters.Add(1)
			go func() {
				defer adapters.Done()
				if err := nsub.Run(ctx); err != nil {
					logger.Error("nats subscriber failed", "error", err)
				}
			}()
		}
	}

	// Serve the ops API
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: pipeline.NewRouter(coord, st),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("groundsync daemon ready", "listen", cfg.ListenAddr)

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("shutting down...")

	// Stop intake first: no new pushes, no new deliveries. Then drain the
	// pipeline, which finishes queued units and runs a final correlation
	// pass before returning.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	adapters.Wait()

	pipeCancel()
	select {
	case <-pipeDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Error("pipeline drain timed out")
	}

	if err := st.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("groundsync daemon stopped")
}

func pollerSites(s *config.Sources) []delivery.Site {
	out := make([]delivery.Site, 0, len(s.Sites))
	for _, src := range s.Sites {
		out = append(out, delivery.Site{
			ID:       src.ID,
			Name:     src.Name,
			BaseURL:  src.BaseURL,
			Interval: time.Duration(src.PollInterval),
		})
	}
	return out
}

func pollerStations(s *config.Sources) []delivery.Station {
	out := make([]delivery.Station, 0, len(s.Stations))
	for _, src := range s.Stations {
		out = append(out, delivery.Station{
			ID:       src.ID,
			Name:     src.Name,
			BaseURL:  src.BaseURL,
			Interval: time.Duration(src.PollInterval),
		})
	}
	return out
}
