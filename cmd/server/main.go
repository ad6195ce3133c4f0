package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/handler"
	"github.com/presence-ledger/internal/kafka"
	"github.com/presence-ledger/internal/ledger"
	"github.com/presence-ledger/internal/ledger/memory"
	"github.com/presence-ledger/internal/postgres"
	"github.com/presence-ledger/internal/probe"
	"github.com/presence-ledger/internal/redis"
	"github.com/presence-ledger/internal/service"
	"github.com/presence-ledger/internal/sqlite"
	"github.com/presence-ledger/internal/websocket"
	"github.com/presence-ledger/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, usedDefaults, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// Setup structured logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if usedDefaults {
		logger.Warn("config file not found, using defaults", "path", *configPath)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("invalid ledger timezone", "error", err)
		os.Exit(1)
	}
	mapStart, err := cfg.MapStartDate()
	if err != nil {
		logger.Error("invalid map start date", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	clock := quartz.NewReal()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	var listeners []worker.CycleListener

	// Query cache is optional; queries go to the store without it
	var queryCache service.QueryCache
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		cache, err := redis.NewQueryCache(&cfg.Redis, logger)
		if err != nil {
			logger.Warn("failed to connect to Redis, continuing without query cache", "error", err)
		} else {
			defer cache.Close()
			queryCache = cache
			listeners = append(listeners, cache)
			logger.Info("connected to Redis")
		}
	}

	listeners = append(listeners, wsHub)

	// Kafka publisher for presence events
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka publisher",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		publisher, err := kafka.NewPublisher(&cfg.Kafka, clock, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, continuing without Kafka", "error", err)
		} else {
			defer publisher.Close()
			listeners = append(listeners, publisher)
			logger.Info("Kafka publisher started successfully")
		}
	}

	// Initialize services
	reconciler := service.NewReconciler(store, clock, loc, cfg.Poll.Interval, logger)
	aggregator := service.NewAggregator(store, queryCache, clock, loc, mapStart, logger)

	// Initialize poll worker
	server := probe.NewServer(
		probe.NewClient(cfg.Poll.ProbeTimeout, logger),
		cfg.Poll.ServerAddress,
		cfg.Poll.ServerPort,
	)
	pollWorker := worker.NewPollWorker(
		server,
		reconciler,
		&cfg.Poll,
		clock,
		worker.NewMetrics(registry),
		logger,
		listeners...,
	)

	if cfg.Poll.ShouldPoll() {
		logger.Info("polling game server", "target", server.Target(), "interval", cfg.Poll.Interval)
		if err := pollWorker.Start(ctx); err != nil {
			logger.Error("failed to start poll worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(aggregator, store, wsHub, registry, &cfg.Leaderboard, logger)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Let the in-flight cycle finish before the store closes
	if err := pollWorker.Stop(); err != nil {
		logger.Error("failed to stop poll worker", "error", err)
	}

	// Stop WebSocket hub
	wsHub.Stop()

	// Shutdown HTTP server
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}

// openStore connects the configured ledger store and prepares its schema
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		return repo, nil

	case config.DriverSQLite:
		logger.Info("opening SQLite ledger", "path", cfg.Storage.SQLitePath)
		return sqlite.New(cfg.Storage.SQLitePath, logger)

	case config.DriverMemory:
		logger.Warn("using in-memory ledger, nothing will be persisted")
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
