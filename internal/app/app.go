// Package app wires the package production service together: storage, the
// task queue, render backends, delivery and the HTTP surfaces.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vbmedia/packline/internal/api"
	"github.com/vbmedia/packline/internal/compositor"
	"github.com/vbmedia/packline/internal/config"
	"github.com/vbmedia/packline/internal/delivery"
	"github.com/vbmedia/packline/internal/landing"
	"github.com/vbmedia/packline/internal/mailer"
	"github.com/vbmedia/packline/internal/metrics"
	"github.com/vbmedia/packline/internal/model"
	"github.com/vbmedia/packline/internal/pipeline"
	"github.com/vbmedia/packline/internal/queue"
	"github.com/vbmedia/packline/internal/store"
	"github.com/vbmedia/packline/internal/template"
	"github.com/vbmedia/packline/internal/videobackend"
)

// App is the main application.
type App struct {
	config *config.Config
	logger *slog.Logger

	store     *store.Store
	taskStore *queue.BoltStorage
	runner    *queue.Runner
	pipeline  *pipeline.Pipeline

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package store: %w", err)
	}

	taskStore, err := queue.NewBoltStorage(cfg.Storage.QueuePath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open task queue: %w", err)
	}

	runner := queue.NewRunner(taskStore, queue.RunnerConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryDelay:   cfg.Queue.RetryDelay,
		TaskTimeout:  cfg.Queue.TaskTimeout,
	}, logger)

	backends := make(map[model.VideoBackendKind]videobackend.Backend)
	if cfg.Renderfarm.BaseURL != "" {
		backends[model.BackendRenderfarm] = videobackend.NewRenderfarm(cfg.Renderfarm, logger)
	}
	if cfg.Storyboard.BaseURL != "" {
		backends[model.BackendStoryboard] = videobackend.NewStoryboard(cfg.Storyboard, logger)
	}

	templates := template.NewStorage(cfg.Storage.TemplateDir)

	detector, err := compositor.NewDetector(cfg.Storage.FaceCascadeFile)
	if err != nil {
		taskStore.Close()
		st.Close()
		return nil, fmt.Errorf("failed to load face cascade: %w", err)
	}
	comp := compositor.New(cfg.Storage.MediaRoot, detector, logger)

	signer, err := mailer.NewSigner(cfg.DKIM)
	if err != nil {
		taskStore.Close()
		st.Close()
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	sender := mailer.New(cfg.SMTP, signer, logger)
	emailer := delivery.NewEmailer(sender, templates, cfg.SMTP, logger)

	var sms *delivery.SMSClient
	if cfg.SMS.Enabled {
		sms = delivery.NewSMSClient(cfg.SMS, logger)
	}

	var hostingBaseURL string
	if cfg.Hosting.Enabled {
		hostingBaseURL = cfg.Hosting.BaseURL
	}

	pipe := pipeline.New(pipeline.Options{
		Store:          st,
		Runner:         runner,
		Backends:       backends,
		Templates:      templates,
		Compositor:     comp,
		Landing:        landing.NewGenerator(cfg.Server.BaseURL, cfg.Landing.WarmCache, logger),
		Emailer:        emailer,
		SMS:            sms,
		SMSConfig:      cfg.SMS,
		HostingBaseURL: hostingBaseURL,
		MediaRoot:      cfg.Storage.MediaRoot,
		MediaBaseURL:   cfg.Server.MediaBaseURL,
		Logger:         logger,
	})
	pipe.Register()

	app := &App{
		config:    cfg,
		logger:    logger,
		store:     st,
		taskStore: taskStore,
		runner:    runner,
		pipeline:  pipe,
		apiServer: api.NewServer(st, pipe, taskStore, cfg.API, logger),
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		app.metricsServer = metrics.NewServerWithAllowedIPs(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
		app.collector = metrics.NewCollector(m, queueStatsAdapter{taskStore}, st, 15*time.Second)
	}

	return app, nil
}

// Run starts the application and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.logger.Info("starting packline",
		"hostname", a.config.Server.Hostname,
		"base_url", a.config.Server.BaseURL,
	)

	a.runner.Start(ctx)

	if a.metricsServer != nil {
		a.metricsServer.Start()
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	go a.cleanupLoop(ctx)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		return err
	}

	return a.Shutdown()
}

// cleanupLoop periodically prunes completed tasks from the queue.
func (a *App) cleanupLoop(ctx context.Context) {
	if a.config.Queue.DoneMaxAge <= 0 {
		return
	}

	ticker := time.NewTicker(a.config.Queue.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := a.taskStore.CleanupDone(ctx, a.config.Queue.DoneMaxAge)
			if err != nil {
				a.logger.Error("task cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("pruned completed tasks", "count", deleted)
			}
		}
	}
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Workers first so nothing touches the stores while they close.
	a.runner.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shutdown API server", "error", err)
	}

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(shutdownCtx); err != nil {
			a.logger.Error("failed to shutdown metrics server", "error", err)
		}
	}

	if err := a.taskStore.Close(); err != nil {
		a.logger.Error("failed to close task queue", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close package store", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// queueStatsAdapter bridges the queue storage stats to the metrics collector.
type queueStatsAdapter struct {
	tasks *queue.BoltStorage
}

func (a queueStatsAdapter) QueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	stats, err := a.tasks.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending:  stats.Pending,
		Deferred: stats.Deferred,
		Failed:   stats.Failed,
	}, nil
}

// setupLogger creates a logger from the logging configuration.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
