package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/registry"
)

// Config holds the settings the built-in handlers need.
type Config struct {
	SMSGatewayURL string
	SMSTimeout    time.Duration
	// SlowMax bounds the random delay of the slow handler when the payload
	// does not name one.
	SlowMax time.Duration
}

// ErrSimulatedFailure is returned by the fail handler.
var ErrSimulatedFailure = errors.New("simulated job failure")

// RegisterDefaults registers echo, uppercase, slow, fail and, when a gateway
// is configured, sms.send.
func RegisterDefaults(reg *registry.Registry, cfg Config) {
	if cfg.SlowMax <= 0 {
		cfg.SlowMax = 5 * time.Second
	}

	reg.Register("echo", registry.Typed(Echo))
	reg.Register("uppercase", registry.Typed(Uppercase))
	reg.Register("slow", registry.Typed(Slow(cfg.SlowMax)))
	reg.Register("fail", registry.Typed(Fail))

	if cfg.SMSGatewayURL != "" {
		sms := NewSMSSender(cfg.SMSGatewayURL, cfg.SMSTimeout, http.DefaultClient)
		reg.Register(SMSJobType, registry.Typed(sms.Send))
	}
}

type EchoPayload struct {
	Msg string `json:"msg"`
}

type EchoResult struct {
	Echo string `json:"echo"`
}

func Echo(_ context.Context, p EchoPayload) (EchoResult, error) {
	return EchoResult{Echo: p.Msg}, nil
}

type TextPayload struct {
	Text string `json:"text"`
}

func Uppercase(_ context.Context, p TextPayload) (TextPayload, error) {
	if p.Text == "" {
		return TextPayload{}, errors.New("text is required")
	}
	return TextPayload{Text: strings.ToUpper(p.Text)}, nil
}

type SlowPayload struct {
	// Millis is how long to sleep; zero picks a random delay.
	Millis int64 `json:"millis"`
}

type SlowResult struct {
	SleptMillis int64 `json:"slept_ms"`
}

// Slow sleeps for the requested time, or a random whole number of seconds
// up to maxDelay.
func Slow(maxDelay time.Duration) func(context.Context, SlowPayload) (SlowResult, error) {
	return func(ctx context.Context, p SlowPayload) (SlowResult, error) {
		d := time.Duration(p.Millis) * time.Millisecond
		if d <= 0 {
			d = randomSeconds(maxDelay)
		}

		logger.Logger.Debug().Dur("duration", d).Msg("Slow job sleeping")
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return SlowResult{}, ctx.Err()
		case <-t.C:
		}
		return SlowResult{SleptMillis: d.Milliseconds()}, nil
	}
}

func randomSeconds(maxDelay time.Duration) time.Duration {
	secs := int64(maxDelay / time.Second)
	if secs < 1 {
		return maxDelay
	}
	n, err := rand.Int(rand.Reader, big.NewInt(secs))
	if err != nil {
		n = big.NewInt(0)
	}
	return time.Duration(n.Int64()+1) * time.Second
}

type FailPayload struct {
	Reason string `json:"reason"`
}

func Fail(_ context.Context, p FailPayload) (struct{}, error) {
	if p.Reason != "" {
		return struct{}{}, fmt.Errorf("%w: %s", ErrSimulatedFailure, p.Reason)
	}
	return struct{}{}, ErrSimulatedFailure
}
