package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mtr002/jobworks/internal/logger"
)

// SMSJobType is the job type handled by SMSSender.
const SMSJobType = "sms.send"

const defaultSMSTimeout = 10 * time.Second

type SMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type SMSResult struct {
	StatusCode int             `json:"status_code"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// SMSSender posts messages to an HTTP SMS gateway.
type SMSSender struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewSMSSender(url string, timeout time.Duration, client *http.Client) *SMSSender {
	if timeout <= 0 {
		timeout = defaultSMSTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SMSSender{url: url, timeout: timeout, client: client}
}

// Send delivers one message. Any non-2xx answer from the gateway is an
// error, so the job is retried.
func (s *SMSSender) Send(ctx context.Context, p SMSPayload) (SMSResult, error) {
	if p.To == "" {
		return SMSResult{}, errors.New("recipient is required")
	}
	if p.Body == "" {
		return SMSResult{}, errors.New("message body is required")
	}

	body, err := json.Marshal(p)
	if err != nil {
		return SMSResult{}, fmt.Errorf("encode sms request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SMSResult{}, fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return SMSResult{}, fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return SMSResult{}, fmt.Errorf("read sms gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SMSResult{}, fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	logger.Logger.Debug().Str("to", p.To).Int("status", resp.StatusCode).Msg("SMS sent")

	res := SMSResult{StatusCode: resp.StatusCode}
	if json.Valid(raw) {
		res.Response = raw
	}
	return res, nil
}
