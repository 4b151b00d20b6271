package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/jobs"
	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/worker"
)

const defaultBatchLimit = 10

// Server implements QueueServer over a job manager. runner may be nil, in
// which case RunBatch is unavailable.
type Server struct {
	manager *jobs.Manager
	runner  *worker.Runner
}

var _ QueueServer = (*Server)(nil)

func NewServer(manager *jobs.Manager, runner *worker.Runner) *Server {
	return &Server{manager: manager, runner: runner}
}

func (s *Server) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EnqueueRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	job, err := s.manager.Enqueue(ctx, req.Type, req.Payload, interfaces.EnqueueOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		RunAt:       req.RunAt,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(job)
}

func (s *Server) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	job, err := s.manager.GetJob(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(job)
}

func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ok, err := s.manager.Cancel(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(CancelResponse{Cancelled: ok})
}

func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	counts, err := s.manager.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(StatsResponse{Counts: counts, Total: counts.Total()})
}

func (s *Server) RunBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.runner == nil {
		return nil, status.Error(codes.Unimplemented, "batch execution is not enabled on this server")
	}

	var req RunBatchRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Limit <= 0 {
		req.Limit = defaultBatchLimit
	}

	res, err := s.runner.RunBatch(ctx, req.Limit)
	if err != nil {
		logger.Logger.Error().Err(err).Int("processed", res.Processed).Msg("RunBatch failed")
		return nil, toStatus(err)
	}
	return reply(RunBatchResponse(res))
}

func (s *Server) Cleanup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CleanupRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	retention, err := time.ParseDuration(req.Retention)
	if err != nil || retention < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid retention %q", req.Retention)
	}

	n, err := s.manager.Cleanup(ctx, retention)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(CleanupResponse{Deleted: n})
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, interfaces.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, interfaces.ErrEmptyType), errors.Is(err, interfaces.ErrInvalidPayload):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, interfaces.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
}
