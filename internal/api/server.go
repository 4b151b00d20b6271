package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mtr002/jobworks/internal/jobs"
	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/nats"
	"github.com/mtr002/jobworks/internal/websocket"
	"github.com/mtr002/jobworks/internal/worker"
)

// Options wires the optional parts of the API. Only Manager is required.
type Options struct {
	Manager *jobs.Manager
	// Runner enables POST /batch.
	Runner *worker.Runner
	// Hub enables the /ws live feed.
	Hub *websocket.Hub
	// NATS, when set, routes job submission through the jobs.submit subject.
	NATS *nats.Client
	// ServiceName is reported by the health endpoints.
	ServiceName string
}

type Server struct {
	opts   Options
	server *http.Server
}

func NewServer(opts Options, addr string) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "api-service"
	}

	s := &Server{opts: opts}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logger.Logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
