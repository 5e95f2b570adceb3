// Package alert notifies an operator about pipeline failures.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Alerter delivers an operator-facing message.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to a single Telegram chat.
type Telegram struct {
	api    telegramAPI
	chatID int64
	log    *slog.Logger
}

// NewTelegram creates a Telegram alerter with the given bot token.
func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

// Alert sends text to the configured chat.
func (t *Telegram) Alert(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("send alert", "chat_id", t.chatID, "error", err)
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

// Nop discards alerts.
type Nop struct{}

// Alert implements Alerter.
func (Nop) Alert(context.Context, string) error { return nil }
