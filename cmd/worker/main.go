package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/mtr002/jobworks/internal/config"
	"github.com/mtr002/jobworks/internal/db"
	grpcapi "github.com/mtr002/jobworks/internal/grpc"
	"github.com/mtr002/jobworks/internal/handlers"
	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/jobs"
	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/nats"
	"github.com/mtr002/jobworks/internal/registry"
	"github.com/mtr002/jobworks/internal/worker"
)

const serviceName = "worker-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(serviceName, "info", "json")
		logger.Logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(serviceName, cfg.LogLevel, cfg.LogFormat)
	logger.Logger.Info().Int("workers", cfg.WorkerCount).Msg("Starting Worker Service with gRPC")

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

	var sink interfaces.EventSink
	if cfg.UseNATS {
		events, err := nats.NewClient(cfg.NATSURL)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer events.Close()
		sink = events
	}

	manager := jobs.NewManager(store, cfg.DefaultMaxAttempts, sink)

	reg := registry.New()
	handlers.RegisterDefaults(reg, cfg.Handlers())
	logger.Logger.Info().Strs("types", reg.Types()).Msg("Registered job handlers")

	runner := worker.NewRunner(store, worker.NewExecutor(store, reg, sink), cfg.BatchConcurrency)
	pool := worker.NewPool(runner, cfg.Processor(), cfg.WorkerCount,
		worker.NewSweeper(manager, cfg.Sweeper()))
	pool.Start()

	if cfg.UseNATS {
		server, err := nats.NewServer(cfg.NATSURL, manager)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to create NATS server")
		}
		if err := server.Subscribe(); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to subscribe to NATS")
		}
		defer server.Close()
		logger.Logger.Info().Str("url", cfg.NATSURL).Msg("NATS consumer started")
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to listen")
	}

	s := grpc.NewServer()
	grpcapi.RegisterQueueServer(s, grpcapi.NewServer(manager, runner))

	go func() {
		logger.Logger.Info().Str("addr", cfg.GRPCAddr).Msg("Worker Service gRPC server listening")
		if err := s.Serve(lis); err != nil {
			logger.Logger.Error().Err(err).Msg("gRPC server stopped")
			stop()
		}
	}()

	if cfg.MaxIterations > 0 {
		// Bounded run: stop once every processor has used its iterations.
		go func() {
			pool.Wait()
			stop()
		}()
	}

	<-ctx.Done()

	logger.Logger.Info().Msg("Shutting down gracefully...")
	s.GracefulStop()
	pool.Stop()
	logger.Logger.Info().Msg("Worker Service stopped")
}
