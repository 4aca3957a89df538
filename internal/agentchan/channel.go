package agentchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/logging"
)

const (
	channelWriteWait = 10 * time.Second
	channelPongWait  = 90 * time.Second
	channelPingEvery = 30 * time.Second
)

// ErrChannelClosed reports that the agent went away mid-request.
var ErrChannelClosed = errors.New("agent channel closed")

// Channel is one connected agent's duplex message channel.
type Channel struct {
	hostID string
	conn   *websocket.Conn
	log    *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame

	closed    chan struct{}
	closeOnce sync.Once
}

func newChannel(hostID string, conn *websocket.Conn, log *logging.Logger) *Channel {
	return &Channel{
		hostID:  hostID,
		conn:    conn,
		log:     log,
		pending: make(map[string]chan Frame),
		closed:  make(chan struct{}),
	}
}

// HostID returns the host this channel serves.
func (c *Channel) HostID() string { return c.hostID }

func (c *Channel) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Channel) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	return c.conn.WriteJSON(f)
}

// request sends a command and blocks for the final result frame.
func (c *Channel) request(ctx context.Context, cmdType string, payload any, out any) error {
	return c.stream(ctx, cmdType, payload, out, nil)
}

// stream sends a command and delivers interim frames to onInterim until
// the final result or error frame arrives. The pending entry is keyed by
// the generated ID, so concurrent requests never cross.
func (c *Channel) stream(ctx context.Context, cmdType string, payload any, out any, onInterim func(Frame)) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	ch := make(chan Frame, 16)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(Frame{Type: cmdType, ID: id, Payload: raw}); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmdType, c.hostID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrChannelClosed
		case f := <-ch:
			switch f.Type {
			case frameError:
				return fmt.Errorf("agent %s: %s failed: %s", c.hostID, cmdType, f.Error)
			case frameResult:
				if out == nil || len(f.Payload) == 0 {
					return nil
				}
				return json.Unmarshal(f.Payload, out)
			default:
				if onInterim != nil {
					onInterim(f)
				}
			}
		}
	}
}

// notify sends a frame that expects no reply.
func (c *Channel) notify(cmdType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(Frame{Type: cmdType, Payload: raw})
}

// deliver routes a reply frame to its waiter. Unclaimed replies are
// dropped; the waiter timed out or gave up.
func (c *Channel) deliver(f Frame) bool {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- f:
	default:
		c.log.Warn("reply queue full, dropping frame", "host", c.hostID, "type", f.Type)
	}
	return true
}
