// dockmon-agent runs next to a Docker daemon and proxies it to the
// controller over a single outbound WebSocket. The agent dials out, so
// the host needs no inbound firewall rule and the daemon socket never
// leaves the machine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/logging"
)

var version = "dev"

// Wire constants shared with the controller's agent channel.
const (
	frameRegister     = "register"
	frameResult       = "result"
	frameError        = "error"
	framePullProgress = "pull_progress"
	frameStats        = "host_stats"
	frameHealthResult = "health_check_result"
	frameDockerEvent  = "docker_event"
)

const (
	agentWriteWait = 10 * time.Second
	agentPongWait  = 90 * time.Second
	reconnectMin   = 2 * time.Second
	reconnectMax   = time.Minute
)

type agentConfig struct {
	serverURL  string
	token      string
	dockerSock string
	statsEvery time.Duration
}

func loadAgentConfig() (agentConfig, error) {
	cfg := agentConfig{
		serverURL:  os.Getenv("DOCKMON_AGENT_SERVER"),
		token:      os.Getenv("DOCKMON_AGENT_TOKEN"),
		dockerSock: os.Getenv("DOCKMON_AGENT_DOCKER_SOCK"),
		statsEvery: time.Minute,
	}
	if cfg.serverURL == "" {
		return cfg, fmt.Errorf("DOCKMON_AGENT_SERVER is required, e.g. ws://controller:8080/ws/agent")
	}
	if cfg.token == "" {
		return cfg, fmt.Errorf("DOCKMON_AGENT_TOKEN is required")
	}
	if cfg.dockerSock == "" {
		cfg.dockerSock = "unix:///var/run/docker.sock"
	}
	if v := os.Getenv("DOCKMON_AGENT_STATS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid DOCKMON_AGENT_STATS_INTERVAL %q", v)
		}
		cfg.statsEvery = d
	}
	return cfg, nil
}

func main() {
	cfg, err := loadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(os.Getenv("DOCKMON_LOG_JSON") != "false")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := docker.NewClient(cfg.dockerSock, nil)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	log.Info("dockmon-agent starting", "version", version, "server", cfg.serverURL)

	// Outbound connection with capped exponential backoff. Registration
	// tokens are single use, so after the first successful session the
	// agent reconnects with the same token and the controller matches it
	// by engine ID.
	backoff := reconnectMin
	for {
		err := runSession(ctx, cfg, client, log)
		if ctx.Err() != nil {
			log.Info("agent shutdown complete")
			return
		}
		log.Warn("session ended, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// session is one live connection to the controller.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	docker  *docker.Client
	log     *logging.Logger
	probes  *probeSet
}

func runSession(ctx context.Context, cfg agentConfig, client *docker.Client, log *logging.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.serverURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.serverURL, err)
	}
	defer conn.Close()

	s := &session{conn: conn, docker: client, log: log}
	s.probes = newProbeSet(s)
	defer s.probes.stopAll()

	if err := s.register(ctx, cfg.token); err != nil {
		return err
	}

	sessCtx, cancelSess := context.WithCancel(ctx)
	defer cancelSess()
	go s.statsLoop(sessCtx, cfg.statsEvery)
	go s.relayEvents(sessCtx)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(agentPongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(agentPongWait))

	for {
		var f agentchan.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(agentPongWait))
		// Pulls and updates block for minutes; every command gets its
		// own goroutine so the channel stays responsive.
		go s.handle(sessCtx, f)
	}
}

func (s *session) register(ctx context.Context, token string) error {
	hostname, _ := os.Hostname()
	engineID, err := s.docker.EngineID(ctx)
	if err != nil {
		return fmt.Errorf("read engine id: %w", err)
	}

	req := hosts.RegistrationRequest{
		Token:        token,
		EngineID:     engineID,
		Hostname:     hostname,
		Version:      version,
		Capabilities: []string{"stats", "health", "update", "events"},
	}
	payload, _ := json.Marshal(req)
	id := uuid.NewString()
	if err := s.send(agentchan.Frame{Type: frameRegister, ID: id, Payload: payload}); err != nil {
		return err
	}

	var resp agentchan.Frame
	if err := s.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}
	if resp.Type == frameError {
		return fmt.Errorf("registration rejected: %s", resp.Error)
	}

	var result hosts.RegistrationResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return fmt.Errorf("malformed registration result: %w", err)
	}
	s.log.Info("registered with controller", "host_id", result.HostID, "migrated", result.Migrated)
	return nil
}

func (s *session) send(f agentchan.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return s.conn.WriteJSON(f)
}

func (s *session) result(id string, v any) {
	var payload json.RawMessage
	if v != nil {
		payload, _ = json.Marshal(v)
	}
	if err := s.send(agentchan.Frame{Type: frameResult, ID: id, Payload: payload}); err != nil {
		s.log.Warn("failed to send result", "error", err)
	}
}

func (s *session) fail(id string, err error) {
	if sendErr := s.send(agentchan.Frame{Type: frameError, ID: id, Error: err.Error()}); sendErr != nil {
		s.log.Warn("failed to send error", "error", sendErr)
	}
}

// relayEvents forwards daemon container events to the controller.
func (s *session) relayEvents(ctx context.Context) {
	evts, errs := s.docker.WatchEvents(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			s.log.Warn("docker event stream lost", "error", err)
			return
		case msg := <-evts:
			payload, _ := json.Marshal(map[string]any{
				"action":     string(msg.Action),
				"actor_id":   msg.Actor.ID,
				"attributes": msg.Actor.Attributes,
			})
			_ = s.send(agentchan.Frame{Type: frameDockerEvent, Payload: payload})
		}
	}
}
