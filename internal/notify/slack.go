package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SlackSettings holds configuration for a Slack incoming webhook channel.
type SlackSettings struct {
	WebhookURL string `json:"webhook_url"`
}

// Slack sends notifications to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack creates a Slack notifier for the given webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL, client: newHTTPClient()}
}

// Name returns the provider name for logging.
func (s *Slack) Name() string { return "slack" }

// Send posts a notification message to the Slack webhook.
func (s *Slack) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(slackPayload{Text: formatMessage(event)})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, "slack", s.webhookURL, body, nil)
}

type slackPayload struct {
	Text string `json:"text"`
}
