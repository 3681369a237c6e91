package dispatch

import (
	"context"

	"github.com/invitehq/courier/internal/domain"
)

// Message is a rendered notification handed to a channel sender.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a rendered message over one channel. Send returns the
// provider's message reference when the provider issues one.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}

// Dispatcher holds the channel sender registry.
type Dispatcher struct {
	senders map[domain.Channel]Sender
}

// NewDispatcher creates a dispatcher from the given senders.
func NewDispatcher(senders ...Sender) *Dispatcher {
	senderMap := make(map[domain.Channel]Sender)
	for _, s := range senders {
		senderMap[s.Channel()] = s
	}
	return &Dispatcher{senders: senderMap}
}

// Sender returns the sender registered for the channel.
func (d *Dispatcher) Sender(ch domain.Channel) (Sender, bool) {
	s, ok := d.senders[ch]
	return s, ok
}
