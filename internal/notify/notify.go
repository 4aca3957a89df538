// Package notify delivers alert notifications to external systems.
// Failures are classified as transient or permanent so the alert engine
// can retry the former and give up on the latter.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one notification to deliver.
type Event struct {
	Kind      string    `json:"kind"`     // alert kind, e.g. "container_stopped"
	Severity  string    `json:"severity"` // info, warning, critical
	HostName  string    `json:"host_name,omitempty"`
	Container string    `json:"container,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Resolved  bool      `json:"resolved,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// ErrPermanent marks a delivery failure that will not succeed on retry,
// like a bad webhook URL or rejected credentials.
var ErrPermanent = errors.New("permanent notification failure")

// statusError is an HTTP response outside the 2xx range.
type statusError struct {
	provider string
	code     int
	status   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.provider, e.status)
}

func (e *statusError) Is(target error) bool {
	if target != ErrPermanent {
		return false
	}
	// 408 and 429 are worth retrying; other 4xx are not.
	return e.code >= 400 && e.code < 500 && e.code != 408 && e.code != 429
}

// IsTransient reports whether a delivery error is worth retrying.
// Network failures and 5xx responses are transient; most 4xx responses
// and malformed configuration are permanent.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent)
}

// formatTitle builds a short human title for an event.
func formatTitle(e Event) string {
	if e.Title != "" {
		return e.Title
	}
	title := strings.ReplaceAll(e.Kind, "_", " ")
	if len(title) > 0 {
		title = strings.ToUpper(title[:1]) + title[1:]
	}
	if e.Resolved {
		title = "Resolved: " + title
	}
	return title
}

// formatMessage builds the default plain-text body for an event.
func formatMessage(e Event) string {
	var b strings.Builder
	b.WriteString(formatTitle(e))
	b.WriteString("\n")
	if e.HostName != "" {
		b.WriteString("Host: ")
		b.WriteString(e.HostName)
		b.WriteString("\n")
	}
	if e.Container != "" {
		b.WriteString("Container: ")
		b.WriteString(e.Container)
		b.WriteString("\n")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
		b.WriteString("\n")
	}
	return b.String()
}
