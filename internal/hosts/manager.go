package hosts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"
)

// Dialer opens a Docker API connection for a host record. Local and
// remote hosts dial the daemon directly; agent hosts are attached by the
// agent channel instead of dialed.
type Dialer interface {
	Dial(ctx context.Context, h store.Host) (docker.API, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, h store.Host) (docker.API, error)

func (f DialerFunc) Dial(ctx context.Context, h store.Host) (docker.API, error) {
	return f(ctx, h)
}

// DirectDialer connects to local sockets and remote TLS endpoints using
// the TLS material stored on the host record.
func DirectDialer() Dialer {
	return DialerFunc(func(ctx context.Context, h store.Host) (docker.API, error) {
		var mat *docker.TLSMaterial
		if h.TLS != nil {
			mat = &docker.TLSMaterial{
				CACert:     h.TLS.CACert,
				ClientCert: h.TLS.ClientCert,
				ClientKey:  h.TLS.ClientKey,
			}
		}
		cli, err := docker.NewClient(h.URL, mat)
		if err != nil {
			return nil, err
		}
		if err := cli.Ping(ctx); err != nil {
			cli.Close()
			return nil, err
		}
		return cli, nil
	})
}

// Session is an established connection to one host's Docker daemon.
type Session struct {
	HostID      string
	Type        store.ConnectionType
	API         docker.API
	ConnectedAt time.Time
}

// Status is the manager's view of one host.
type Status struct {
	HostID  string        `json:"host_id"`
	State   string        `json:"state"` // "online" or "offline"
	Reason  OfflineReason `json:"reason,omitempty"`
	Since   time.Time     `json:"since"`
	Retries int           `json:"retries,omitempty"`
}

// Manager maintains the host_id to Session map and keeps sessions alive.
type Manager struct {
	store  *store.Store
	bus    *events.Bus
	log    *logging.Logger
	clock  clock.Clock
	cfg    *config.Config
	dialer Dialer

	mu       sync.RWMutex
	sessions map[string]*Session
	statuses map[string]Status
	retries  map[string]int
	nextTry  map[string]time.Time
}

// NewManager creates a session manager over the given dialer.
func NewManager(st *store.Store, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock, dialer Dialer) *Manager {
	return &Manager{
		store:    st,
		bus:      bus,
		log:      log,
		clock:    clk,
		cfg:      cfg,
		dialer:   dialer,
		sessions: make(map[string]*Session),
		statuses: make(map[string]Status),
		retries:  make(map[string]int),
		nextTry:  make(map[string]time.Time),
	}
}

// Ensure establishes or reuses a session for the host. Failures mark the
// host offline with a classified reason.
func (m *Manager) Ensure(ctx context.Context, hostID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[hostID]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	h, err := m.store.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	if !h.IsActive {
		return nil, fmt.Errorf("host %s is not active", hostID)
	}

	api, err := m.dialer.Dial(ctx, *h)
	if err != nil {
		reason := ClassifyError(err)
		m.markOffline(hostID, reason)
		return nil, fmt.Errorf("connect host %s (%s): %w", hostID, reason, err)
	}

	return m.attach(hostID, h.ConnectionType, api), nil
}

// AttachAgent installs an agent-backed session for a host. Used by the
// agent channel when an agent completes registration or reconnects.
func (m *Manager) AttachAgent(hostID string, api docker.API) *Session {
	return m.attach(hostID, store.ConnectionAgent, api)
}

func (m *Manager) attach(hostID string, typ store.ConnectionType, api docker.API) *Session {
	now := m.clock.Now()
	sess := &Session{HostID: hostID, Type: typ, API: api, ConnectedAt: now}

	m.mu.Lock()
	wasOffline := m.statuses[hostID].State == "offline"
	m.sessions[hostID] = sess
	m.statuses[hostID] = Status{HostID: hostID, State: "online", Since: now}
	m.retries[hostID] = 0
	delete(m.nextTry, hostID)
	m.mu.Unlock()

	m.log.Info("host connected", "host", hostID, "type", string(typ), "reconnect", wasOffline)
	m.bus.PublishData(events.TypeHostConnected, hostID, "", map[string]any{
		"host_id": hostID, "connection_type": string(typ),
	})
	m.refreshGauges()
	return sess
}

// Drop closes and removes a host's session without marking it offline.
// Used when a host is deleted.
func (m *Manager) Drop(hostID string) {
	m.mu.Lock()
	sess := m.sessions[hostID]
	delete(m.sessions, hostID)
	delete(m.statuses, hostID)
	delete(m.retries, hostID)
	delete(m.nextTry, hostID)
	m.mu.Unlock()
	if sess != nil {
		sess.API.Close()
	}
	m.refreshGauges()
}

// MarkOffline records a classified failure for a host and schedules the
// next reconnect attempt with exponential backoff.
func (m *Manager) MarkOffline(hostID string, reason OfflineReason) {
	m.markOffline(hostID, reason)
}

func (m *Manager) markOffline(hostID string, reason OfflineReason) {
	now := m.clock.Now()

	m.mu.Lock()
	sess := m.sessions[hostID]
	delete(m.sessions, hostID)
	wasOnline := m.statuses[hostID].State == "online"
	retries := m.retries[hostID] + 1
	m.retries[hostID] = retries
	m.statuses[hostID] = Status{HostID: hostID, State: "offline", Reason: reason, Since: now, Retries: retries}
	m.nextTry[hostID] = now.Add(m.backoff(retries))
	m.mu.Unlock()

	if sess != nil {
		sess.API.Close()
	}
	if wasOnline {
		m.log.Warn("host offline", "host", hostID, "reason", string(reason))
		m.bus.PublishData(events.TypeHostOffline, hostID, "", map[string]any{
			"host_id": hostID, "reason": string(reason),
		})
	}
	m.refreshGauges()
}

// backoff doubles per consecutive failure, capped by the configured max.
func (m *Manager) backoff(retries int) time.Duration {
	d := time.Second
	for i := 1; i < retries && d < m.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > m.cfg.ReconnectMax {
		d = m.cfg.ReconnectMax
	}
	return d
}

// Session returns the live session for a host, if any.
func (m *Manager) Session(hostID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[hostID]
	return sess, ok
}

// StatusOf returns the manager's view of one host.
func (m *Manager) StatusOf(hostID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[hostID]
	if !ok {
		return Status{HostID: hostID, State: "offline", Reason: ReasonUnreachable}
	}
	return st
}

// Statuses returns a snapshot of all host statuses.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	return out
}

// Run pings every online session at the configured interval and retries
// offline hosts whose backoff has elapsed. Exits when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.connectAll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("session manager stopped")
			return nil
		case <-m.clock.After(m.cfg.PingInterval):
			m.sweep(ctx)
		}
	}
}

// connectAll establishes sessions for every active non-agent host.
// Agent hosts connect inbound through the agent channel.
func (m *Manager) connectAll(ctx context.Context) {
	all, err := m.store.ListHosts()
	if err != nil {
		m.log.Error("list hosts", "error", err)
		return
	}
	for _, h := range all {
		if !h.IsActive || h.ConnectionType == store.ConnectionAgent {
			continue
		}
		if _, err := m.Ensure(ctx, h.ID); err != nil {
			m.log.Warn("initial connect failed", "host", h.ID, "error", err)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	var due []string
	now := m.clock.Now()
	for hostID, at := range m.nextTry {
		if !now.Before(at) {
			due = append(due, hostID)
		}
	}
	m.mu.RUnlock()

	for _, sess := range live {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sess.API.Ping(pingCtx)
		cancel()
		if err != nil {
			m.markOffline(sess.HostID, ClassifyError(err))
		}
	}

	for _, hostID := range due {
		h, err := m.store.GetHost(hostID)
		if err != nil || !h.IsActive || h.ConnectionType == store.ConnectionAgent {
			m.mu.Lock()
			delete(m.nextTry, hostID)
			m.mu.Unlock()
			continue
		}
		if _, err := m.Ensure(ctx, hostID); err != nil {
			m.log.Debug("reconnect failed", "host", hostID, "error", err)
		}
	}
}

func (m *Manager) refreshGauges() {
	m.mu.RLock()
	counts := map[string]float64{"online": 0, "offline": 0}
	for _, st := range m.statuses {
		counts[st.State]++
	}
	m.mu.RUnlock()
	for state, n := range counts {
		metrics.HostsByStatus.WithLabelValues(state).Set(n)
	}
}
