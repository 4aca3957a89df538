package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

func TestFormatTitle(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"kind humanized", Event{Kind: "container_stopped"}, "Container stopped"},
		{"explicit title wins", Event{Kind: "cpu_high", Title: "CPU alarm"}, "CPU alarm"},
		{"resolved prefix", Event{Kind: "host_offline", Resolved: true}, "Resolved: Host offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatTitle(tt.event); got != tt.want {
				t.Errorf("formatTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatMessageIncludesContext(t *testing.T) {
	msg := formatMessage(Event{
		Kind: "container_stopped", HostName: "prod-1", Container: "web",
		Message: "exited with code 137",
	})
	for _, want := range []string{"prod-1", "web", "exited with code 137"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestStatusErrorClassification(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
	}{
		{500, true},
		{502, true},
		{429, true},
		{408, true},
		{404, false},
		{401, false},
		{400, false},
	}
	for _, tt := range tests {
		err := &statusError{provider: "x", code: tt.code, status: http.StatusText(tt.code)}
		if got := IsTransient(err); got != tt.transient {
			t.Errorf("IsTransient(%d) = %v, want %v", tt.code, got, tt.transient)
		}
	}
	if IsTransient(nil) {
		t.Error("nil error must not be transient")
	}
	if !IsTransient(errors.New("connection refused")) {
		t.Error("unclassified errors should be retried")
	}
}

func TestDiscordSend(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL)
	if err := d.Send(context.Background(), Event{Kind: "host_offline", HostName: "prod-1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(got.Content, "prod-1") {
		t.Errorf("payload = %q", got.Content)
	}
}

func TestWebhookSendsFullEventWithHeaders(t *testing.T) {
	var auth string
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, map[string]string{"Authorization": "Bearer tok"})
	err := wh.Send(context.Background(), Event{Kind: "update_available", Container: "web"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer tok" {
		t.Errorf("auth header = %q", auth)
	}
	if got.Kind != "update_available" || got.Container != "web" {
		t.Errorf("event = %+v", got)
	}
}

func TestSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewSlack(srv.URL).Send(context.Background(), Event{Kind: "x"})
	if err == nil {
		t.Fatal("want error on 502")
	}
	if !IsTransient(err) {
		t.Error("502 should be transient")
	}
}

func TestSendNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	err := NewDiscord(srv.URL).Send(context.Background(), Event{Kind: "x"})
	if err == nil {
		t.Fatal("want error on 404")
	}
	if IsTransient(err) {
		t.Error("404 should be permanent")
	}
}

func testDispatcher(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewDispatcher(st, logging.New(false)), st
}

func TestDispatcherResolvesByIDAndType(t *testing.T) {
	d, st := testDispatcher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	cfg, _ := json.Marshal(DiscordSettings{WebhookURL: srv.URL})
	ch1, _ := st.CreateChannel(store.NotificationChannel{Name: "ops", Type: "discord", Config: cfg, Enabled: true})
	ch2, _ := st.CreateChannel(store.NotificationChannel{Name: "oncall", Type: "discord", Config: cfg, Enabled: true})
	_, _ = st.CreateChannel(store.NotificationChannel{Name: "off", Type: "slack", Config: cfg, Enabled: false})
	d.Reload()

	// Two same-type channels stay distinct when referenced by ID.
	got := d.Resolve([]store.ChannelRef{{ID: ch1.ID}, {ID: ch2.ID}})
	if len(got) != 2 {
		t.Errorf("resolved %d notifiers by ID, want 2", len(got))
	}

	// Legacy type reference resolves to one channel of that type.
	got = d.Resolve([]store.ChannelRef{{Type: "discord"}})
	if len(got) != 1 {
		t.Errorf("resolved %d notifiers by type, want 1", len(got))
	}

	// Disabled channels and dangling refs resolve to nothing.
	got = d.Resolve([]store.ChannelRef{{Type: "slack"}, {ID: 999}})
	if len(got) != 0 {
		t.Errorf("resolved %d notifiers, want 0", len(got))
	}
}

func TestDispatchNoChannelsSucceeds(t *testing.T) {
	d, _ := testDispatcher(t)
	if err := d.Dispatch(context.Background(), nil, Event{Kind: "x"}); err != nil {
		t.Errorf("Dispatch with no refs = %v, want nil", err)
	}
}
