// Package events provides the fan-out pub/sub bus that carries container
// snapshots, Docker events, and lifecycle progress between the pipeline,
// the alert engine, the health checker, and the WebSocket hub.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of event flowing through the bus.
type Type string

const (
	TypeContainerSnapshot     Type = "container_snapshot"
	TypeContainerEvent        Type = "container_event"
	TypeContainerHealth       Type = "container_health_changed"
	TypeHostConnected         Type = "host_connected"
	TypeHostOffline           Type = "host_offline"
	TypeHostStats             Type = "host_stats"
	TypeDeploymentStatus      Type = "deployment_status"
	TypeDeploymentProgress    Type = "deployment_layer_progress"
	TypeUpdateProgress        Type = "container_update_layer_progress"
	TypeUpdateAvailable       Type = "update_available"
	TypeAlertOpened           Type = "alert_opened"
	TypeAlertResolved         Type = "alert_resolved"
)

// Event is a single bus message. EntityID is a composite key for
// container-scoped events and a host ID for host-scoped ones.
type Event struct {
	Type      Type            `json:"type"`
	HostID    string          `json:"host_id,omitempty"`
	EntityID  string          `json:"entity_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 256

// Bus is a fan-out pub/sub event bus. Slow subscribers that fall behind have
// events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishData marshals data and publishes it under the given type.
func (b *Bus) PublishData(t Type, hostID, entityID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	b.Publish(Event{Type: t, HostID: hostID, EntityID: entityID, Data: raw})
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
