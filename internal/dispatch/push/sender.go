// Package push delivers dispatch messages as mobile push notifications.
package push

import (
	"context"
	"errors"
	"log/slog"

	"github.com/invitehq/courier/internal/dispatch"
	"github.com/invitehq/courier/internal/domain"
)

// Config holds push sender configuration.
type Config struct {
	Enabled   bool
	ServerKey string
}

// Sender implements the push channel.
type Sender struct {
	config Config
}

// NewSender creates a new push sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.ServerKey == "" {
			return nil, errors.New("push sender: server key is required when enabled")
		}
	}

	slog.Info("push sender configured", "enabled", config.Enabled)

	return &Sender{config: config}, nil
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelPush
}

// Send rejects every message until a real push backend exists. Reporting a
// fabricated success would mark records sent with nothing delivered, so the
// channel fails permanently instead.
// TODO: wire up the FCM HTTP v1 API once the project gets a service account.
func (s *Sender) Send(_ context.Context, msg dispatch.Message) (string, error) {
	if !s.config.Enabled {
		return "", dispatch.NewNonRetryableError(errors.New("push sender disabled"))
	}

	slog.Warn("push delivery not implemented, failing channel",
		"to", msg.To,
		"subject", msg.Subject,
	)

	return "", dispatch.NewNonRetryableError(errors.New("push delivery not implemented"))
}
