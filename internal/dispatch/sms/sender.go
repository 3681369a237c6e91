// Package sms delivers dispatch messages through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/invitehq/courier/internal/dispatch"
	"github.com/invitehq/courier/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 10 // messages per second
)

// Config holds SMS sender configuration.
type Config struct {
	Enabled    bool
	APIURL     string  // gateway endpoint, e.g. https://gateway.example.com/v1/messages
	APIKey     string  // bearer token for the gateway
	FromNumber string  // sender number or alphanumeric ID
	RateLimit  float64 // messages per second, gateway quota
	Timeout    time.Duration
}

// Sender implements the SMS channel against an HTTP gateway.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new SMS sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.APIURL == "" {
			return nil, errors.New("sms sender: API URL is required when enabled")
		}
		if config.APIKey == "" {
			return nil, errors.New("sms sender: API key is required when enabled")
		}
	}

	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("sms sender configured",
		"enabled", config.Enabled,
		"api_url", config.APIURL,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelSMS
}

type gatewayRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send submits the message to the gateway and returns its message ID.
// Waits on the rate limiter before each request, honoring the gateway quota.
func (s *Sender) Send(ctx context.Context, msg dispatch.Message) (string, error) {
	if !s.config.Enabled {
		return "", dispatch.NewNonRetryableError(errors.New("sms sender disabled"))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", dispatch.NewRetryableError(fmt.Errorf("rate limiter: %w", err))
	}

	payload, err := json.Marshal(gatewayRequest{
		To:   msg.To,
		From: s.config.FromNumber,
		Body: msg.Body,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", dispatch.NewRetryableError(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

func (s *Sender) handleResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
		var gw gatewayResponse
		if err := json.Unmarshal(body, &gw); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		return gw.MessageID, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", dispatch.NewRetryableError(fmt.Errorf("sms gateway rate limited"))

	case resp.StatusCode >= 500:
		return "", dispatch.NewRetryableError(fmt.Errorf("sms gateway error %d: %s", resp.StatusCode, string(body)))

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", dispatch.NewNonRetryableError(fmt.Errorf("sms gateway rejected credentials"))

	default:
		return "", dispatch.NewNonRetryableError(fmt.Errorf("sms gateway error %d: %s", resp.StatusCode, string(body)))
	}
}
