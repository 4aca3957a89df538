package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GotifySettings holds configuration for a Gotify channel.
type GotifySettings struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Gotify sends notifications to a Gotify server.
type Gotify struct {
	url    string
	token  string
	client *http.Client
}

// NewGotify creates a Gotify notifier. URL is the server base URL.
func NewGotify(url, token string) *Gotify {
	return &Gotify{url: strings.TrimRight(url, "/"), token: token, client: newHTTPClient()}
}

// Name returns the provider name for logging.
func (g *Gotify) Name() string { return "gotify" }

// Send posts a notification message to the Gotify server.
func (g *Gotify) Send(ctx context.Context, event Event) error {
	priority := 4
	if event.Severity == "critical" {
		priority = 8
	}
	body, err := json.Marshal(gotifyPayload{
		Title:    formatTitle(event),
		Message:  formatMessage(event),
		Priority: priority,
	})
	if err != nil {
		return fmt.Errorf("marshal gotify payload: %w", err)
	}
	endpoint := g.url + "/message?token=" + g.token
	return postJSON(ctx, g.client, "gotify", endpoint, body, nil)
}

type gotifyPayload struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}
