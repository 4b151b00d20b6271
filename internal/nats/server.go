package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/jobs"
	"github.com/mtr002/jobworks/internal/logger"
)

const enqueueTimeout = 10 * time.Second

// Server consumes job submissions and enqueues them.
type Server struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	manager *jobs.Manager
}

func NewServer(url string, manager *jobs.Manager) (*Server, error) {
	conn, err := connect(url, "jobqueue-worker")
	if err != nil {
		return nil, err
	}

	return &Server{
		conn:    conn,
		manager: manager,
	}, nil
}

func (s *Server) Subscribe() error {
	sub, err := s.conn.QueueSubscribe(JobSubmitSubject, SubmitQueueGroup, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		reply := s.handleSubmission(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to marshal submission reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Logger.Warn().Err(err).Msg("Failed to answer job submission")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to NATS: %w", err)
	}

	s.sub = sub
	return nil
}

func (s *Server) handleSubmission(ctx context.Context, data []byte) JobSubmissionReply {
	var msg JobSubmissionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Logger.Warn().Err(err).Msg("Dropping malformed job submission")
		return rejectReply(fmt.Errorf("invalid submission: %v: %w", err, interfaces.ErrInvalidPayload))
	}

	job, err := s.manager.Enqueue(ctx, msg.Type, msg.Payload, msg.Options())
	if err != nil {
		logger.Logger.Warn().Err(err).Str("type", msg.Type).Msg("Rejected job submission")
		return rejectReply(err)
	}
	return JobSubmissionReply{JobID: job.ID, Status: string(job.Status)}
}

func (s *Server) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
