package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TelegramSettings holds configuration for a Telegram bot channel.
type TelegramSettings struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// Telegram sends notifications via the Telegram Bot API.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegram creates a Telegram notifier for the given bot token and chat ID.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{botToken: botToken, chatID: chatID, client: newHTTPClient()}
}

// Name returns the provider name for logging.
func (t *Telegram) Name() string { return "telegram" }

// Send posts a notification message via the Telegram Bot API.
func (t *Telegram) Send(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	body, err := json.Marshal(telegramPayload{
		ChatID: t.chatID,
		Text:   formatMessage(event),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}
	return postJSON(ctx, t.client, "telegram", endpoint, body, nil)
}

type telegramPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}
