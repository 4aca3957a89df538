package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DiscordSettings holds configuration for a Discord webhook channel.
type DiscordSettings struct {
	WebhookURL string `json:"webhook_url"`
}

// Discord sends notifications to a Discord webhook.
type Discord struct {
	webhookURL string
	client     *http.Client
}

// NewDiscord creates a Discord notifier for the given webhook URL.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{webhookURL: webhookURL, client: newHTTPClient()}
}

// Name returns the provider name for logging.
func (d *Discord) Name() string { return "discord" }

// Send posts a notification message to a Discord webhook.
func (d *Discord) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(discordPayload{Content: formatMessage(event)})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, body, nil)
}

type discordPayload struct {
	Content string `json:"content"`
}
