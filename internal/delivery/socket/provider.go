package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"notigate/internal/delivery"
	logx "notigate/pkg/logx"
)

// payload is the wire shape pushed to connected clients.
type payload struct {
	Type  string            `json:"type"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Provider delivers through the local websocket hub. It is always
// "available" as a gateway; a user without a live connection is a
// per-recipient miss, not a provider outage.
type Provider struct {
	hub *Hub
	log logx.Logger
}

func NewProvider(h *Hub, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{hub: h, log: log}
}

func (p *Provider) Name() string { return "socket" }

func (p *Provider) IsAvailable(context.Context) bool { return true }

func (p *Provider) Send(_ context.Context, userID, title, body string, data map[string]string) error {
	c, ok := p.hub.Get(userID)
	if !ok {
		return delivery.ErrRecipientUnreachable
	}

	b, err := json.Marshal(payload{Type: "notification", Title: title, Body: body, Data: data})
	if err != nil {
		return delivery.Permanent(err)
	}

	switch err := c.enqueue(b); {
	case err == nil:
		return nil
	case errors.Is(err, errConnClosed):
		// Teardown raced the hub lookup; the user is simply gone.
		return delivery.ErrRecipientUnreachable
	default:
		// Backpressure on this one client; the gateway itself is fine.
		return fmt.Errorf("%v: %w", err, delivery.ErrRecipientUnreachable)
	}
}
