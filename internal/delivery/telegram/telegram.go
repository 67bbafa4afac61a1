// Package telegram adapts a Telegram bot into a delivery gateway.
//
// Users are reachable when a chat ID mapping is configured for them;
// notifications render as plain bot messages.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"notigate/internal/delivery"
	logx "notigate/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// ChatIDs maps internal user IDs to Telegram chat IDs.
	ChatIDs map[string]int64
}

type Gateway struct {
	log logx.Logger
	bot *tele.Bot

	mu      sync.RWMutex
	chatIDs map[string]int64
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ids := make(map[string]int64, len(cfg.ChatIDs))
	for k, v := range cfg.ChatIDs {
		ids[k] = v
	}
	return &Gateway{log: log, bot: b, chatIDs: ids}, nil
}

// SetChatID registers (or updates) a user's chat mapping at runtime.
func (g *Gateway) SetChatID(userID string, chatID int64) {
	g.mu.Lock()
	g.chatIDs[userID] = chatID
	g.mu.Unlock()
}

func (g *Gateway) Name() string { return "telegram" }

// IsAvailable probes the Bot API with a getMe round trip.
func (g *Gateway) IsAvailable(ctx context.Context) bool {
	done := make(chan error, 1)
	go func() {
		_, err := g.bot.Raw("getMe", nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return false
	case err := <-done:
		return err == nil
	}
}

func (g *Gateway) Send(ctx context.Context, userID, title, body string, data map[string]string) error {
	g.mu.RLock()
	chatID, ok := g.chatIDs[userID]
	g.mu.RUnlock()
	if !ok {
		// No mapping: this gateway cannot reach the user, but another might.
		return delivery.ErrRecipientUnreachable
	}

	text := body
	if title != "" {
		text = title + "\n\n" + body
	}

	// telebot's Send has no context; bound it ourselves.
	done := make(chan error, 1)
	go func() {
		_, err := g.bot.Send(&tele.Chat{ID: chatID}, text)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classify(err)
	}
}

// classify maps Telegram API errors onto the router's taxonomy: recipient
// errors are permanent, everything else is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound):
		return delivery.Permanent(err)
	}
	return err
}
