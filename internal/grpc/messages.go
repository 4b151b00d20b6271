package grpc

import (
	"encoding/json"
	"time"

	"github.com/mtr002/jobworks/internal/interfaces"
)

type EnqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
}

type JobRequest struct {
	ID string `json:"id"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type StatsResponse struct {
	Counts interfaces.StatusCounts `json:"counts"`
	Total  int64                   `json:"total"`
}

type RunBatchRequest struct {
	Limit int `json:"limit"`
}

type RunBatchResponse struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type CleanupRequest struct {
	// Retention is a Go duration string; terminal jobs created longer ago
	// than this are deleted.
	Retention string `json:"retention"`
}

type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}
