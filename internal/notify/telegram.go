package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v3"
)

// TelegramSender delivers notifications through a Telegram bot.
type TelegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// TelegramOption customises a TelegramSender.
type TelegramOption func(*tele.Settings)

// WithTelegramAPI points the bot at a different Bot API base URL.
func WithTelegramAPI(url string) TelegramOption {
	return func(s *tele.Settings) { s.URL = url }
}

// NewTelegramSender creates a send-only bot for token that posts to chatID.
// The bot never polls for updates.
func NewTelegramSender(token, chatID string, opts ...TelegramOption) (*TelegramSender, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	settings := tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(&settings)
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &TelegramSender{bot: b, chat: &tele.Chat{ID: id}}, nil
}

// Send posts the message with the title in bold. The Bot API client has no
// context support, so cancellation is only checked before sending.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	text := fmt.Sprintf("*%s*\n%s", title, message)
	if _, err := t.bot.Send(t.chat, text, tele.ModeMarkdown); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
