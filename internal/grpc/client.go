package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mtr002/jobworks/internal/interfaces"
)

const callTimeout = 10 * time.Second

// Client talks to a QueueService. Calls without a deadline get callTimeout.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects lazily to addr. opts replace the default insecure
// transport credentials.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func (c *Client) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts interfaces.EnqueueOptions) (*interfaces.Job, error) {
	var job interfaces.Job
	err := c.invoke(ctx, methodEnqueue, EnqueueRequest{
		Type:        jobType,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		RunAt:       opts.RunAt,
	}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*interfaces.Job, error) {
	var job interfaces.Job
	if err := c.invoke(ctx, methodGetJob, JobRequest{ID: id}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var resp CancelResponse
	if err := c.invoke(ctx, methodCancel, JobRequest{ID: id}, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.invoke(ctx, methodStats, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RunBatch(ctx context.Context, limit int) (*RunBatchResponse, error) {
	var resp RunBatchResponse
	if err := c.invoke(ctx, methodRunBatch, RunBatchRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	var resp CleanupResponse
	if err := c.invoke(ctx, methodCleanup, CleanupRequest{Retention: retention.String()}, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}
