package agentchan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }

// fakeAgent speaks the agent side of the channel protocol in-process.
type fakeAgent struct {
	t    *testing.T
	conn *websocket.Conn

	mu      sync.Mutex
	hostID  string
	handler func(f Frame) *Frame // reply per request, nil = no reply
}

func newFakeAgent(t *testing.T, url, token string) *fakeAgent {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	a := &fakeAgent{t: t, conn: conn}

	payload, _ := json.Marshal(hosts.RegistrationRequest{
		Token:    token,
		EngineID: "engine-1",
		Hostname: "node-1",
		Version:  "1.0.0",
	})
	if err := conn.WriteJSON(Frame{Type: frameRegister, ID: "reg-1", Payload: payload}); err != nil {
		t.Fatal(err)
	}

	var resp Frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("registration reply: %v", err)
	}
	if resp.Type != frameResult {
		t.Fatalf("registration rejected: %s", resp.Error)
	}
	var result hosts.RegistrationResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatal(err)
	}
	a.hostID = result.HostID
	return a
}

// serve answers controller requests with the configured handler.
func (a *fakeAgent) serve() {
	for {
		var f Frame
		_ = a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := a.conn.ReadJSON(&f); err != nil {
			return
		}
		a.mu.Lock()
		h := a.handler
		a.mu.Unlock()
		if h == nil {
			continue
		}
		if reply := h(f); reply != nil {
			reply.ID = f.ID
			if err := a.conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func (a *fakeAgent) setHandler(h func(Frame) *Frame) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

func (a *fakeAgent) push(f Frame) {
	if err := a.conn.WriteJSON(f); err != nil {
		a.t.Errorf("push: %v", err)
	}
}

type recordedHealth struct {
	mu      sync.Mutex
	results []healthResult
}

func (r *recordedHealth) ReportResult(_ context.Context, key string, healthy bool, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, healthResult{CompositeKey: key, Healthy: healthy, Detail: detail})
	return true
}

func testServer(t *testing.T) (*Server, *hosts.Manager, *events.Bus, *httptest.Server, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	bus := events.New()
	cfg := &config.Config{PingInterval: time.Second, ReconnectMax: time.Minute, StatsInterval: time.Second}
	log := logging.New(false)
	mgr := hosts.NewManager(st, bus, cfg, log, clk, hosts.DirectDialer())

	const token = "enroll-me"
	sum := sha256.Sum256([]byte(token))
	err = st.CreateRegistrationToken(store.RegistrationToken{
		TokenHash: hex.EncodeToString(sum[:]),
		Name:      "node-1",
		ExpiresAt: clk.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	stats := hosts.NewStatsSampler(mgr, bus, cfg, log, clk)
	srv := NewServer(mgr, stats, nil, log)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleAgentWS))
	t.Cleanup(ts.Close)

	return srv, mgr, bus, ts, token
}

func TestRegisterAndProxyRequest(t *testing.T) {
	srv, mgr, _, ts, token := testServer(t)
	agent := newFakeAgent(t, ts.URL, token)

	agent.setHandler(func(f Frame) *Frame {
		if f.Type != cmdPing {
			t.Errorf("unexpected command %q", f.Type)
		}
		return &Frame{Type: frameResult}
	})
	go agent.serve()

	waitFor(t, func() bool { return srv.Connected(agent.hostID) })

	sess, ok := mgr.Session(agent.hostID)
	if !ok {
		t.Fatal("no session for agent host")
	}
	if sess.Type != store.ConnectionAgent {
		t.Errorf("session type = %s", sess.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.API.Ping(ctx); err != nil {
		t.Fatalf("proxied ping: %v", err)
	}
}

func TestAgentErrorPropagates(t *testing.T) {
	srv, mgr, _, ts, token := testServer(t)
	agent := newFakeAgent(t, ts.URL, token)
	agent.setHandler(func(Frame) *Frame {
		return &Frame{Type: frameError, Error: "no such container"}
	})
	go agent.serve()
	waitFor(t, func() bool { return srv.Connected(agent.hostID) })

	sess, _ := mgr.Session(agent.hostID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sess.API.StartContainer(ctx, "aaaaaaaaaaaa")
	if err == nil || !strings.Contains(err.Error(), "no such container") {
		t.Fatalf("err = %v", err)
	}
}

func TestStatsPushReachesBus(t *testing.T) {
	srv, _, bus, ts, token := testServer(t)
	agent := newFakeAgent(t, ts.URL, token)
	go agent.serve()
	waitFor(t, func() bool { return srv.Connected(agent.hostID) })

	ch, cancel := bus.Subscribe()
	defer cancel()

	payload, _ := json.Marshal(hosts.StatsSample{CPUPercent: 42.5, MemoryPercent: 60, DiskPercent: 71})
	agent.push(Frame{Type: frameStats, Payload: payload})

	select {
	case evt := <-ch:
		if evt.Type != events.TypeHostStats || evt.HostID != agent.hostID {
			t.Errorf("event = %+v", evt)
		}
		var sample hosts.StatsSample
		if err := json.Unmarshal(evt.Data, &sample); err != nil {
			t.Fatal(err)
		}
		if sample.DiskPercent != 71 {
			t.Errorf("disk = %v", sample.DiskPercent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stats never reached the bus")
	}
}

func TestHealthResultRouted(t *testing.T) {
	srv, _, _, ts, token := testServer(t)
	sink := &recordedHealth{}
	srv.SetHealthSink(sink)

	agent := newFakeAgent(t, ts.URL, token)
	go agent.serve()
	waitFor(t, func() bool { return srv.Connected(agent.hostID) })

	payload, _ := json.Marshal(healthResult{CompositeKey: agent.hostID + ":aaaaaaaaaaaa", Healthy: false, Detail: "timeout"})
	agent.push(Frame{Type: frameHealthResult, Payload: payload})

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.results) == 1
	})
	sink.mu.Lock()
	got := sink.results[0]
	sink.mu.Unlock()
	if got.Healthy || got.Detail != "timeout" {
		t.Errorf("result = %+v", got)
	}
}

func TestChannelLossMarksHostOffline(t *testing.T) {
	srv, mgr, _, ts, token := testServer(t)
	agent := newFakeAgent(t, ts.URL, token)
	go agent.serve()
	waitFor(t, func() bool { return srv.Connected(agent.hostID) })

	agent.conn.Close()

	waitFor(t, func() bool { return !srv.Connected(agent.hostID) })
	waitFor(t, func() bool { return mgr.StatusOf(agent.hostID).State == "offline" })
}

func TestRegistrationRejectedWithBadToken(t *testing.T) {
	_, _, _, ts, _ := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload, _ := json.Marshal(hosts.RegistrationRequest{Token: "wrong", EngineID: "e", Hostname: "h"})
	if err := conn.WriteJSON(Frame{Type: frameRegister, ID: "reg-1", Payload: payload}); err != nil {
		t.Fatal(err)
	}

	var resp Frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != frameError || !strings.Contains(resp.Error, "token") {
		t.Errorf("reply = %+v", resp)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
