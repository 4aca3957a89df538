package agentchan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	mobyevents "github.com/moby/moby/api/types/events"

	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/keys"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StatsSink receives host metric samples pushed by agents.
// Implemented by hosts.StatsSampler.
type StatsSink interface {
	Push(sample hosts.StatsSample)
}

// HealthSink receives agent-side probe results.
// Implemented by health.Checker.
type HealthSink interface {
	ReportResult(ctx context.Context, compositeKey string, healthy bool, detail string) bool
}

// Server accepts agent connections and owns their channels.
type Server struct {
	mgr    *hosts.Manager
	stats  StatsSink
	health HealthSink
	log    *logging.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	apis     map[string]*remoteAPI
}

// NewServer creates a Server. stats and health may be nil in tests.
func NewServer(mgr *hosts.Manager, stats StatsSink, health HealthSink, log *logging.Logger) *Server {
	return &Server{
		mgr:      mgr,
		stats:    stats,
		health:   health,
		log:      log,
		channels: make(map[string]*Channel),
		apis:     make(map[string]*remoteAPI),
	}
}

// SetHealthSink installs the health reporter after construction. The
// checker needs the server as its agent pusher, so one of the two is
// always wired late.
func (s *Server) SetHealthSink(h HealthSink) { s.health = h }

// HandleAgentWS upgrades an agent connection. The first frame must be a
// register frame; its token is validated through the hosts manager,
// which may migrate an existing direct-connection host.
func (s *Server) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(channelPongWait))
	var reg Frame
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != frameRegister {
		_ = conn.WriteJSON(Frame{Type: frameError, ID: reg.ID, Error: "register frame expected"})
		conn.Close()
		return
	}

	var req hosts.RegistrationRequest
	if err := json.Unmarshal(reg.Payload, &req); err != nil {
		_ = conn.WriteJSON(Frame{Type: frameError, ID: reg.ID, Error: "malformed registration"})
		conn.Close()
		return
	}

	result, err := s.mgr.RegisterAgent(req)
	if err != nil {
		s.log.Warn("agent registration rejected", "hostname", req.Hostname, "error", err)
		_ = conn.WriteJSON(Frame{Type: frameError, ID: reg.ID, Error: err.Error()})
		conn.Close()
		return
	}

	payload, _ := json.Marshal(result)
	if err := conn.WriteJSON(Frame{Type: frameResult, ID: reg.ID, Payload: payload}); err != nil {
		conn.Close()
		return
	}

	s.attach(result.HostID, conn)
}

// attach wires a registered connection into the hosts manager and
// blocks on the read loop until the channel dies.
func (s *Server) attach(hostID string, conn *websocket.Conn) {
	ch := newChannel(hostID, conn, s.log)
	api := newRemoteAPI(ch)

	s.mu.Lock()
	if prev, ok := s.channels[hostID]; ok {
		prev.close()
	}
	s.channels[hostID] = ch
	s.apis[hostID] = api
	s.mu.Unlock()

	s.mgr.AttachAgent(hostID, api)
	s.log.Info("agent channel established", "host", hostID)

	go s.pingLoop(ch)
	s.readLoop(ch, api)

	s.mu.Lock()
	if s.channels[hostID] == ch {
		delete(s.channels, hostID)
		delete(s.apis, hostID)
	}
	s.mu.Unlock()

	ch.close()
	s.mgr.MarkOffline(hostID, hosts.ReasonUnreachable)
	s.log.Warn("agent channel lost", "host", hostID)
}

func (s *Server) pingLoop(ch *Channel) {
	ticker := time.NewTicker(channelPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ch.closed:
			return
		case <-ticker.C:
			ch.writeMu.Lock()
			_ = ch.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			err := ch.conn.WriteMessage(websocket.PingMessage, nil)
			ch.writeMu.Unlock()
			if err != nil {
				ch.close()
				return
			}
		}
	}
}

// readLoop dispatches inbound frames: replies go to their waiters,
// everything else is an async push from the agent.
func (s *Server) readLoop(ch *Channel, api *remoteAPI) {
	ch.conn.SetPongHandler(func(string) error {
		return ch.conn.SetReadDeadline(time.Now().Add(channelPongWait))
	})
	_ = ch.conn.SetReadDeadline(time.Now().Add(channelPongWait))

	for {
		var f Frame
		if err := ch.conn.ReadJSON(&f); err != nil {
			return
		}
		_ = ch.conn.SetReadDeadline(time.Now().Add(channelPongWait))

		if f.ID != "" && ch.deliver(f) {
			continue
		}
		s.handlePush(ch.hostID, api, f)
	}
}

func (s *Server) handlePush(hostID string, api *remoteAPI, f Frame) {
	switch f.Type {
	case frameStats:
		if s.stats == nil {
			return
		}
		var sample hosts.StatsSample
		if err := json.Unmarshal(f.Payload, &sample); err != nil {
			s.log.Debug("bad stats frame", "host", hostID, "error", err)
			return
		}
		sample.HostID = hostID
		s.stats.Push(sample)

	case frameHealthResult:
		if s.health == nil {
			return
		}
		var res healthResult
		if err := json.Unmarshal(f.Payload, &res); err != nil {
			s.log.Debug("bad health frame", "host", hostID, "error", err)
			return
		}
		if !s.health.ReportResult(context.Background(), res.CompositeKey, res.Healthy, res.Detail) {
			s.log.Debug("health result for unknown check", "key", res.CompositeKey)
		}

	case frameDockerEvent:
		var evt dockerEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			return
		}
		api.pushEvent(mobyevents.Message{
			Type:   mobyevents.ContainerEventType,
			Action: mobyevents.Action(evt.Action),
			Actor: mobyevents.Actor{
				ID:         evt.ActorID,
				Attributes: evt.Attributes,
			},
		})

	default:
		s.log.Debug("unexpected agent frame", "host", hostID, "type", f.Type)
	}
}

func (s *Server) channel(hostID string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[hostID]
	if !ok {
		return nil, fmt.Errorf("no agent channel for host %s", hostID)
	}
	return ch, nil
}

// PushHealthConfig sends a health check config to the owning agent so
// the probe runs next to the container. Implements health.AgentPusher.
func (s *Server) PushHealthConfig(hostID string, cfg store.HealthCheckConfig) error {
	ch, err := s.channel(hostID)
	if err != nil {
		return err
	}
	return ch.notify(cmdHealthConfig, cfg)
}

// RemoveHealthConfig retracts an agent-side health check.
func (s *Server) RemoveHealthConfig(hostID, compositeKey string) error {
	ch, err := s.channel(hostID)
	if err != nil {
		return err
	}
	payload := struct {
		CompositeKey string `json:"composite_key"`
	}{compositeKey}
	return ch.notify(cmdHealthConfigRemove, payload)
}

// UpdateContainer runs a container update on the agent side. The agent
// performs the pull/stop/create/start sequence locally with the
// credentials embedded in the command; the controller only waits for
// the outcome.
func (s *Server) UpdateContainer(ctx context.Context, compositeKey string, cmd UpdateCommand) (string, error) {
	hostID, shortID, err := keys.ParseCompositeKey(compositeKey)
	if err != nil {
		return "", err
	}
	ch, err := s.channel(hostID)
	if err != nil {
		return "", err
	}
	cmd.ContainerID = shortID

	var resp struct {
		NewContainerID string `json:"new_container_id"`
	}
	if err := ch.request(ctx, cmdUpdateContainer, cmd, &resp); err != nil {
		return "", err
	}
	return keys.NormalizeContainerID(resp.NewContainerID), nil
}

// Connected reports whether a host currently has an agent channel.
func (s *Server) Connected(hostID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[hostID]
	return ok
}
