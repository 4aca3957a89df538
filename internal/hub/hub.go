// Package hub fans events out to WebSocket clients by topic.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	// sendQueueSize bounds each client's outbound buffer. A client that
	// falls this far behind is disconnected rather than allowed to stall
	// the broadcast loop.
	sendQueueSize = 256
)

// Topic names clients may subscribe to.
const (
	TopicContainers  = "containers"
	TopicEvents      = "events"
	TopicDeployments = "deployments"
	TopicHealth      = "health"
	TopicUpdates     = "updates"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Envelope is the wire format for every broadcast message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// subscribeMsg is the only message clients send.
type subscribeMsg struct {
	Action string   `json:"action"` // subscribe or unsubscribe
	Topics []string `json:"topics"`
}

// client is one connected WebSocket peer.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]bool

	closeOnce sync.Once
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *client) setTopics(action string, topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if action == "unsubscribe" {
			delete(c.topics, t)
		} else {
			c.topics[t] = true
		}
	}
}

// close shuts the send channel exactly once; the write pump exits and
// closes the connection.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub owns the client set and the broadcast loop.
type Hub struct {
	bus *events.Bus
	log *logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a Hub.
func New(bus *events.Bus, log *logging.Logger) *Hub {
	return &Hub{bus: bus, log: log, clients: make(map[*client]struct{})}
}

// Run consumes the event bus and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ch, cancel := h.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case evt := <-ch:
			h.broadcast(evt)
		}
	}
}

// HandleWS upgrades a request and runs the client pumps. Authentication
// happens in the middleware wrapping this handler.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		topics: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	metrics.HubClients.Set(float64(len(h.clients)))
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.HubClients.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	metrics.HubClients.Set(0)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// readPump consumes subscribe messages until the peer goes away.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.Debug("bad hub message", "error", err)
			continue
		}
		c.setTopics(msg.Action, msg.Topics)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast delivers one event to every client subscribed to its topic.
// Best effort: a client with a full queue is dropped, never waited on.
func (h *Hub) broadcast(evt events.Event) {
	topic := topicFor(evt.Type)
	if topic == "" {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	msg, err := json.Marshal(Envelope{Type: string(evt.Type), Data: data})
	if err != nil {
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.log.Warn("dropping slow websocket client", "topic", topic)
		metrics.HubDropped.Inc()
		h.remove(c)
	}
}

// topicFor maps bus event types onto subscription topics. Unmapped types
// stay internal.
func topicFor(t events.Type) string {
	switch t {
	case events.TypeContainerSnapshot, events.TypeContainerEvent:
		return TopicContainers
	case events.TypeHostConnected, events.TypeHostOffline, events.TypeHostStats,
		events.TypeAlertOpened, events.TypeAlertResolved:
		return TopicEvents
	case events.TypeDeploymentStatus, events.TypeDeploymentProgress:
		return TopicDeployments
	case events.TypeContainerHealth:
		return TopicHealth
	case events.TypeUpdateAvailable, events.TypeUpdateProgress:
		return TopicUpdates
	}
	return ""
}
