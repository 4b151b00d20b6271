package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/logger"
)

// Client publishes submissions and job events, and relays job events from
// other processes.
type Client struct {
	conn *nats.Conn
	// origin tags every status event this client publishes.
	origin string
}

func NewClient(url string) (*Client, error) {
	conn, err := connect(url, "jobqueue-client")
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, origin: uuid.NewString()}, nil
}

func connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// SubmitJob sends msg as a request and waits for the worker that enqueued
// it to answer with the job id.
func (c *Client) SubmitJob(ctx context.Context, msg *JobSubmissionMessage) (*JobSubmissionReply, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job submission message: %w", err)
	}

	resp, err := c.conn.RequestWithContext(ctx, JobSubmitSubject, data)
	if err != nil {
		return nil, fmt.Errorf("job submission request: %w", err)
	}

	var reply JobSubmissionReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode submission reply: %w", err)
	}
	return &reply, reply.Err()
}

// Publish implements interfaces.EventSink. Failures are logged; a lost
// status event never affects the job.
func (c *Client) Publish(ev interfaces.JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Logger.Error().Err(err).Str("job_id", ev.JobID).Msg("Failed to marshal job event")
		return
	}
	msg := nats.NewMsg(JobStatusSubject)
	msg.Header.Set(OriginHeader, c.origin)
	msg.Data = data
	if err := c.conn.PublishMsg(msg); err != nil {
		logger.Logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("Failed to publish job event")
	}
}

// RelayStatus forwards every job event seen on JobStatusSubject to sink,
// except the ones this client published itself.
func (c *Client) RelayStatus(sink interfaces.EventSink) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(JobStatusSubject, func(msg *nats.Msg) {
		c.relay(msg, sink)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to job events: %w", err)
	}
	return sub, nil
}

func (c *Client) relay(msg *nats.Msg, sink interfaces.EventSink) {
	if c.origin != "" && msg.Header.Get(OriginHeader) == c.origin {
		return
	}
	ev, err := decodeStatus(msg.Data)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("Dropping malformed job event")
		return
	}
	sink.Publish(ev)
}

func decodeStatus(data []byte) (JobStatusMessage, error) {
	var ev JobStatusMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode job event: %w", err)
	}
	if ev.JobID == "" || !ev.Status.Valid() {
		return ev, fmt.Errorf("job event missing id or status")
	}
	return ev, nil
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Drain()
	}
}
