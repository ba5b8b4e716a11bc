package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/aule-dispatcher/internal/adapters/duckdb"
	"github.com/manthysbr/aule-dispatcher/internal/adapters/memstore"
	"github.com/manthysbr/aule-dispatcher/internal/adapters/metrics"
	"github.com/manthysbr/aule-dispatcher/internal/adapters/redisstore"
	"github.com/manthysbr/aule-dispatcher/internal/adapters/transport"
	appconfig "github.com/manthysbr/aule-dispatcher/internal/config"
	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/ports"
	"github.com/manthysbr/aule-dispatcher/internal/core/services"
	"github.com/manthysbr/aule-dispatcher/pkg/kernel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := appconfig.Load(os.Getenv("AULE_CONFIG"))
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logger.Info("starting aule dispatcher", "addr", cfg.HTTPAddr, "store", cfg.Store.Driver)

	if err := run(logger, cfg); err != nil {
		logger.Error("dispatcher failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg *domain.AppConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	// Phase 1: adapters and services
	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := metrics.NewExporter("", reg)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}

	eventBus := services.NewEventBus(logger)
	writer := services.NewStoreWriter(logger, store, cfg.Store)
	dispatcher := services.NewDispatcher(
		logger,
		cfg.Dispatch,
		cfg.DesktopCellURL,
		services.NewWorkerRegistry(logger),
		services.NewTaskQueue(cfg.Dispatch.QueueUnitCost),
		services.NewTaskTracker(),
		transport.NewHTTPTransport("aule-dispatcher", nil),
		writer,
		eventBus,
		exporter,
	)

	server, err := kernel.NewServer(logger, dispatcher, eventBus, reg, cfg.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Phase 2: run loops
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return writer.Run(gCtx)
	})

	g.Go(func() error {
		return dispatcher.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		dispatcher.Close()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore selects the durable store adapter once, at startup.
func openStore(cfg domain.StoreConfig) (ports.TaskStore, error) {
	switch cfg.Driver {
	case "duckdb":
		repo, err := duckdb.NewRepository(cfg.DuckDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init duckdb store: %w", err)
		}
		return repo, nil
	case "redis":
		rs, err := redisstore.New(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis store: %w", err)
		}
		return rs, nil
	default:
		return memstore.New(), nil
	}
}
