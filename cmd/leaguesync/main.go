package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leadlap/leaguesync/internal/app"
	"github.com/leadlap/leaguesync/internal/config"
	"github.com/leadlap/leaguesync/internal/datasource"
	"github.com/leadlap/leaguesync/internal/publish"
	"github.com/leadlap/leaguesync/internal/site"
	"github.com/leadlap/leaguesync/internal/store"
	"github.com/leadlap/leaguesync/internal/telemetry"
	"github.com/leadlap/leaguesync/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "leaguesync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var migrateTo string
	flag.StringVar(&configPath, "config", "config/local.yaml", "path to YAML config file")
	flag.StringVar(&migrateTo, "migrate", "", "copy all stored documents to the given backend (file|redis) and exit")
	flag.Parse()

	configFile, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storeCfg := store.Config{
		Backend:       cfg.Store.Backend,
		FileRoot:      cfg.Store.FileRoot,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		Namespace:     cfg.Store.Namespace,
	}
	st, err := store.Select(rootCtx, storeCfg, logger)
	if err != nil {
		return fmt.Errorf("select store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	if migrateTo != "" {
		return migrate(rootCtx, st, storeCfg, migrateTo, logger)
	}

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "leaguesync",
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	source := datasource.NewClient(datasource.ClientConfig{
		BaseURL:  cfg.Source.BaseURL,
		Username: cfg.Source.Username,
		Password: cfg.Source.Password,
		Timeout:  cfg.Source.RequestTimeout,
		Logger:   logger.Named("datasource"),
	})

	generator := site.New(st, cfg.Site.OutputDir, logger.Named("site"))
	publisher := publish.NewRsync(publish.Config{
		LocalDir:   cfg.Site.OutputDir,
		RemoteHost: cfg.Publish.RemoteHost,
		RemotePath: cfg.Publish.RemotePath,
		Timeout:    cfg.Publish.Timeout,
	}, logger.Named("publish"))

	registry := prometheus.NewRegistry()
	syncWorker, err := worker.New(worker.Config{
		TickInterval:    cfg.Worker.TickInterval,
		FetchGrace:      cfg.Worker.FetchGrace,
		ScheduleGrace:   cfg.Worker.ScheduleGrace,
		MaxTaskLifetime: cfg.Worker.MaxTaskLifetime,
		PoolSize:        cfg.Worker.PoolSize,
	}, worker.Options{
		Store:     st,
		Source:    source,
		Site:      generator,
		Publisher: publisher,
		Logger:    logger.Named("worker"),
		Registry:  registry,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := syncWorker.Start(rootCtx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer syncWorker.Stop()

	api := app.New(app.Options{
		Worker:   syncWorker,
		Store:    st,
		Source:   source,
		Gatherer: registry,
		Logger:   logger.Named("app"),
	})
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			return fmt.Errorf("http server failed: %w", serveErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// migrate copies every stored document from the configured backend to
// the named one, so deployments can move between file and redis
// storage without losing history.
func migrate(ctx context.Context, source store.Store, cfg store.Config, backend string, logger *zap.Logger) error {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend != "file" && backend != "redis" {
		return fmt.Errorf("migrate target must be file or redis, got %q", backend)
	}
	if backend == cfg.Backend {
		return fmt.Errorf("store backend is already %q", backend)
	}

	cfg.Backend = backend
	target, err := store.Select(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("select %s store: %w", backend, err)
	}
	defer func() {
		_ = target.Close()
	}()

	copied, err := store.Copy(ctx, source, target)
	if err != nil {
		return fmt.Errorf("copy documents: %w", err)
	}
	logger.Info("migration complete",
		zap.String("backend", backend),
		zap.Int("documents", copied),
	)
	return nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
