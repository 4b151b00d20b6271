package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtr002/jobworks/internal/api"
	"github.com/mtr002/jobworks/internal/config"
	"github.com/mtr002/jobworks/internal/db"
	"github.com/mtr002/jobworks/internal/handlers"
	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/jobs"
	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/nats"
	"github.com/mtr002/jobworks/internal/registry"
	"github.com/mtr002/jobworks/internal/websocket"
	"github.com/mtr002/jobworks/internal/worker"
)

const serviceName = "api-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(serviceName, "info", "json")
		logger.Logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(serviceName, cfg.LogLevel, cfg.LogFormat)
	logger.Logger.Info().Str("driver", cfg.DBDriver).Msg("Starting API service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := cfg.DB()
	database, err := db.Connect(ctx, dbCfg)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if cfg.AutoMigrate {
		if err := db.RunMigrations(ctx, database, dbCfg.Dialect); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	store := db.NewStore(database, dbCfg.Dialect, db.WithBackoff(cfg.Backoff()))

	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	var natsClient *nats.Client
	if cfg.UseNATS {
		natsClient, err = nats.NewClient(cfg.NATSURL)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsClient.Close()

		// Workers publish their job events; mirror them to websocket clients.
		if _, err := natsClient.RelayStatus(hub); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to subscribe to job events")
		}
		logger.Logger.Info().Str("url", cfg.NATSURL).Msg("NATS submission enabled")
	}

	var sink interfaces.EventSink = hub
	if natsClient != nil {
		// The relay skips events this client published, so the hub sees
		// each local event once.
		sink = interfaces.EventSinks{hub, natsClient}
	}
	manager := jobs.NewManager(store, cfg.DefaultMaxAttempts, sink)

	reg := registry.New()
	handlers.RegisterDefaults(reg, cfg.Handlers())
	runner := worker.NewRunner(store, worker.NewExecutor(store, reg, sink), cfg.BatchConcurrency)

	var pool *worker.Pool
	if cfg.EmbeddedWorkers {
		pool = worker.NewPool(runner, cfg.Processor(), cfg.WorkerCount,
			worker.NewSweeper(manager, cfg.Sweeper()))
		pool.Start()
	}

	server := api.NewServer(api.Options{
		Manager:     manager,
		Runner:      runner,
		Hub:         hub,
		NATS:        natsClient,
		ServiceName: serviceName,
	}, cfg.HTTPAddr)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	case <-ctx.Done():
	}

	logger.Logger.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if pool != nil {
		pool.Stop()
	}
	logger.Logger.Info().Msg("API service stopped")
}
