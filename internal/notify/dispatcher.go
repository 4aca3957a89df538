package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"
)

// BuildNotifier constructs a Notifier from a channel's type and config.
func BuildNotifier(ch store.NotificationChannel) (Notifier, error) {
	switch ch.Type {
	case "discord":
		var s DiscordSettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal discord settings: %w", err)
		}
		return NewDiscord(s.WebhookURL), nil

	case "slack":
		var s SlackSettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal slack settings: %w", err)
		}
		return NewSlack(s.WebhookURL), nil

	case "gotify":
		var s GotifySettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal gotify settings: %w", err)
		}
		return NewGotify(s.URL, s.Token), nil

	case "ntfy":
		var s NtfySettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal ntfy settings: %w", err)
		}
		return NewNtfy(s.Server, s.Topic, s.Priority, s.Token, s.Username, s.Password), nil

	case "telegram":
		var s TelegramSettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal telegram settings: %w", err)
		}
		return NewTelegram(s.BotToken, s.ChatID), nil

	case "pushover":
		var s PushoverSettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal pushover settings: %w", err)
		}
		return NewPushover(s.AppToken, s.UserKey), nil

	case "webhook":
		var s WebhookSettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal webhook settings: %w", err)
		}
		return NewWebhook(s.URL, s.Headers), nil

	case "smtp":
		var s SMTPSettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal smtp settings: %w", err)
		}
		return NewSMTP(s.Host, s.Port, s.From, s.To, s.Username, s.Password, s.TLS), nil

	case "mqtt":
		var s MQTTSettings
		if err := json.Unmarshal(ch.Config, &s); err != nil {
			return nil, fmt.Errorf("unmarshal mqtt settings: %w", err)
		}
		return NewMQTT(s.Broker, s.Topic, s.ClientID, s.Username, s.Password, s.QoS), nil

	default:
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrPermanent, ch.Type)
	}
}

// Dispatcher resolves channel references to providers and delivers
// events. Channels are indexed by ID so two channels of the same type
// stay distinct; legacy references by type name resolve to the first
// enabled channel of that type.
type Dispatcher struct {
	store *store.Store
	log   Logger

	mu    sync.RWMutex
	byID  map[int64]Notifier
	byTyp map[string]Notifier
}

// NewDispatcher creates a Dispatcher and loads the current channel set.
func NewDispatcher(st *store.Store, log Logger) *Dispatcher {
	d := &Dispatcher{
		store: st,
		log:   log,
		byID:  make(map[int64]Notifier),
		byTyp: make(map[string]Notifier),
	}
	d.Reload()
	return d
}

// Reload rebuilds the provider index from the stored channels. Called
// after channels are created, updated, or deleted.
func (d *Dispatcher) Reload() {
	channels, err := d.store.ListChannels()
	if err != nil {
		d.log.Error("load notification channels", "error", err)
		return
	}

	byID := make(map[int64]Notifier, len(channels))
	byTyp := make(map[string]Notifier)
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		n, err := BuildNotifier(ch)
		if err != nil {
			d.log.Warn("skip notification channel", "channel", ch.Name, "error", err)
			continue
		}
		byID[ch.ID] = n
		if _, exists := byTyp[ch.Type]; !exists {
			byTyp[ch.Type] = n
		}
	}

	d.mu.Lock()
	d.byID = byID
	d.byTyp = byTyp
	d.mu.Unlock()
}

// Resolve maps channel references to live notifiers, skipping refs to
// deleted or disabled channels.
func (d *Dispatcher) Resolve(refs []store.ChannelRef) []Notifier {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Notifier
	for _, ref := range refs {
		if ref.ID != 0 {
			if n, ok := d.byID[ref.ID]; ok {
				out = append(out, n)
			}
			continue
		}
		if n, ok := d.byTyp[ref.Type]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Dispatch sends the event to every referenced channel. It returns nil
// when every delivery succeeded (or no channels resolved), otherwise the
// first error, preferring transient errors so retries are not suppressed
// by a permanent failure on another channel.
func (d *Dispatcher) Dispatch(ctx context.Context, refs []store.ChannelRef, event Event) error {
	notifiers := d.Resolve(refs)
	if len(notifiers) == 0 {
		return nil
	}

	var firstErr error
	for _, n := range notifiers {
		err := n.Send(ctx, event)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			d.log.Error("notification failed",
				"provider", n.Name(), "kind", event.Kind, "error", err)
			if firstErr == nil || (!IsTransient(firstErr) && IsTransient(err)) {
				firstErr = err
			}
		}
		metrics.NotificationsTotal.WithLabelValues(n.Name(), outcome).Inc()
	}
	return firstErr
}
