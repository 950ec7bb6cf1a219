package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
)

// Telegram sends alerts through one bot to per-client chats.
type Telegram struct {
	bot *tgbot.Bot
}

// NewTelegram returns nil, nil when no token is configured.
func NewTelegram(token, apiBase string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/"); apiBase != "" {
		options = append(options, tgbot.WithServerURL(apiBase))
	}
	b, err := tgbot.New(token, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) SendTo(ctx context.Context, chatID, title, text string) error {
	if t == nil || t.bot == nil {
		return errors.New("telegram disabled")
	}
	sent, err := t.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: chatIDValue(chatID),
		Text:   title + "\n\n" + text,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// numeric chat IDs go out as int64, channel usernames as strings
func chatIDValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	return trimmed
}
