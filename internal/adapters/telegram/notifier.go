package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ocbot/internal/ports"
)

// Notifier implements ports.Notifier over the Telegram bot API.
// Channel strings are chat ids.
type Notifier struct {
	api    *tgbotapi.BotAPI
	logger ports.Logger
}

// Config holds configuration for the Telegram notifier.
type Config struct {
	Token  string
	Logger ports.Logger
}

// New creates a Telegram notifier. An empty token yields a disabled notifier
// that drops every message.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram notifier")
	}
	n := &Notifier{logger: cfg.Logger}
	if cfg.Token == "" {
		cfg.Logger.Warn(context.Background(), "Telegram token not set, notifications disabled")
		return n, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram API: %w", err)
	}
	n.api = api
	cfg.Logger.Info(context.Background(), "Telegram notifier ready", map[string]interface{}{"account": api.Self.UserName})
	return n, nil
}

// Notify sends a plain-text message to the given chat id.
func (n *Notifier) Notify(ctx context.Context, channel, text string) error {
	if n.api == nil || channel == "" {
		return nil
	}
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid Telegram chat id %q: %w", channel, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	return nil
}
