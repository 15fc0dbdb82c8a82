package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/humantasks/internal/config"
	"github.com/ent0n29/humantasks/internal/definition"
	"github.com/ent0n29/humantasks/internal/directory"
	"github.com/ent0n29/humantasks/internal/httpapi"
	"github.com/ent0n29/humantasks/internal/observability"
	"github.com/ent0n29/humantasks/internal/taskruntime"
	"github.com/ent0n29/humantasks/internal/tasks"
	"github.com/ent0n29/humantasks/internal/telemetry"
)

// Version is stamped into traces and the CLI.
var Version = "dev"

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	TaskService *taskruntime.Service
	Catalog     *definition.Catalog
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry
	Logger      *slog.Logger

	// Cleanup should be called on shutdown to release external resources (DB, tracer, etc).
	Cleanup func(ctx context.Context) error
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = NewLogger(cfg, nil)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.OTelEnabled,
		Stdout:      cfg.OTelStdout,
		ServiceName: "humantasks",
		Version:     Version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	catalog := definition.NewCatalog(logger.With("component", "definitions"))
	if dir := strings.TrimSpace(cfg.DefinitionsDir); dir != "" {
		n, err := catalog.LoadDir(dir)
		switch {
		case err != nil && errors.Is(err, os.ErrNotExist):
			logger.Warn("definitions dir not found; catalog starts empty", "dir", dir)
		case err != nil:
			_ = shutdownTracing(ctx)
			return nil, fmt.Errorf("load definitions: %w", err)
		default:
			logger.Info("definitions loaded", "dir", dir, "count", n)
		}
	}

	dir, err := buildDirectory(cfg, metrics, logger)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}

	repo, storeMode, err := tasks.NewRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("task repository init failed: %w", err)
	}
	logger.Info("task repository ready", "mode", storeMode)

	taskService := taskruntime.New(taskruntime.Config{
		SweepInterval:     cfg.EscalationSweepInterval,
		EventHistoryLimit: cfg.EventHistoryLimit,
		SubscriberBuffer:  cfg.EventSubscriberBufferSize,
		StoreMode:         storeMode,
	}, taskruntime.Deps{
		Catalog:    catalog,
		Directory:  dir,
		Repository: repo,
		Metrics:    metrics,
		Tracer:     telemetry.Tracer("tasks"),
		Logger:     logger,
	})

	api := httpapi.New(cfg, taskService, observability.HandlerFor(reg), logger.With("component", "http"))

	cleanup := func(ctx context.Context) error {
		var errs []string
		if err := taskService.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := shutdownTracing(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		TaskService: taskService,
		Catalog:     catalog,
		Metrics:     metrics,
		Registry:    reg,
		Logger:      logger,
		Cleanup:     cleanup,
	}, nil
}

// Run serves HTTP, sweeps deadlines and watches definition files until ctx
// is done, then shuts the HTTP server down within the configured timeout.
func (b *BuildResult) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    b.Config.BindAddr,
		Handler: b.API.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.TaskService.Start(ctx)
	})
	if b.Config.WatchDefinitions && strings.TrimSpace(b.Config.DefinitionsDir) != "" {
		if err := b.Catalog.Watch(ctx, b.Config.DefinitionsDir); err != nil {
			b.Logger.Warn("definitions watch disabled", "error", err)
		}
	}
	g.Go(func() error {
		b.Logger.Info("server listening", "addr", b.Config.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		b.Logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			b.Logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})
	return g.Wait()
}

func buildDirectory(cfg config.Config, metrics *observability.Metrics, logger *slog.Logger) (directory.Resolver, error) {
	static := directory.NewStatic()
	if path := strings.TrimSpace(cfg.DirectoryFile); path != "" {
		loaded, err := directory.LoadStaticFile(path)
		if err != nil {
			return nil, fmt.Errorf("directory init failed: %w", err)
		}
		static = loaded
		logger.Info("directory loaded", "file", path)
	} else {
		logger.Warn("DIRECTORY_FILE not set; only literal principals will resolve")
	}

	var r directory.Resolver = static
	r = directory.WithTimeout(r, cfg.DirectoryTimeout)
	r = directory.WithRetry(r, cfg.DirectoryRetryMaxElapsed)
	return directory.Observed(r, metrics.ObserveDirectoryLookup), nil
}
