package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/pipeline"
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

type fakeAPI struct {
	docker.API
	restarts int
}

func (f *fakeAPI) RestartContainer(context.Context, string) error {
	f.restarts++
	return nil
}
func (f *fakeAPI) Ping(context.Context) error { return nil }
func (f *fakeAPI) Close() error               { return nil }

type fakeIndex struct {
	snaps []pipeline.Snapshot
}

func (f *fakeIndex) Snapshots() []pipeline.Snapshot { return f.snaps }

func testChecker(t *testing.T) (*Checker, *store.Store, *fakeAPI, *fakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	bus := events.New()
	cfg := &config.Config{PingInterval: time.Second, ReconnectMax: time.Minute}
	mgr := hosts.NewManager(st, bus, cfg, logging.New(false), clk, hosts.DirectDialer())
	api := &fakeAPI{}
	mgr.AttachAgent("h1", api)

	index := &fakeIndex{snaps: []pipeline.Snapshot{{
		CompositeKey: "h1:aaaaaaaaaaaa", HostID: "h1", ShortID: "aaaaaaaaaaaa", Name: "web",
	}}}
	c := NewChecker(st, mgr, index, bus, logging.New(false), clk, nil)
	return c, st, api, clk
}

func webCheck() store.HealthCheckConfig {
	return store.HealthCheckConfig{
		CompositeKey:         "h1:aaaaaaaaaaaa",
		HostID:               "h1",
		Enabled:              true,
		URL:                  "http://web/health",
		ExpectedStatusCodes:  "200",
		FailureThreshold:     3,
		SuccessThreshold:     1,
		AutoRestartOnFailure: true,
		MaxRestartAttempts:   3,
		RestartRetryDelayS:   60,
	}
}

func TestStatusMatches(t *testing.T) {
	tests := []struct {
		expected string
		code     int
		want     bool
	}{
		{"200", 200, true},
		{"200", 201, false},
		{"200,201", 201, true},
		{"200,201", 204, false},
		{"200-299", 250, true},
		{"200-299", 301, false},
		{"200-299,304", 304, true},
		{"", 204, true},
		{"", 404, false},
		{"garbage", 200, false},
	}
	for _, tt := range tests {
		if got := StatusMatches(tt.expected, tt.code); got != tt.want {
			t.Errorf("StatusMatches(%q, %d) = %v, want %v", tt.expected, tt.code, got, tt.want)
		}
	}
}

func TestThresholdTransitions(t *testing.T) {
	c, st, _, _ := testChecker(t)
	cfg := webCheck()
	cfg.AutoRestartOnFailure = false
	cfg.SuccessThreshold = 2
	if err := st.SaveHealthCheck(cfg); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Two failures stay below the threshold of three.
	c.evaluate(ctx, cfg, false, "timeout")
	c.evaluate(ctx, cfg, false, "timeout")
	if status, _, _ := c.StateOf(cfg.CompositeKey); status != store.HealthUnknown {
		t.Errorf("status = %s, want unknown below threshold", status)
	}

	c.evaluate(ctx, cfg, false, "timeout")
	if status, _, _ := c.StateOf(cfg.CompositeKey); status != store.HealthUnhealthy {
		t.Errorf("status = %s, want unhealthy", status)
	}
	persisted, _ := st.GetHealthCheck(cfg.CompositeKey)
	if persisted.CurrentStatus != store.HealthUnhealthy {
		t.Errorf("persisted status = %s", persisted.CurrentStatus)
	}

	// One success does not recover with success_threshold=2.
	c.evaluate(ctx, cfg, true, "HTTP 200")
	if status, _, _ := c.StateOf(cfg.CompositeKey); status != store.HealthUnhealthy {
		t.Errorf("status = %s, want still unhealthy", status)
	}
	c.evaluate(ctx, cfg, true, "HTTP 200")
	if status, _, _ := c.StateOf(cfg.CompositeKey); status != store.HealthHealthy {
		t.Errorf("status = %s, want healthy", status)
	}
}

func TestAutoRestartEpisode(t *testing.T) {
	c, st, api, clk := testChecker(t)
	cfg := webCheck()
	if err := st.SaveHealthCheck(cfg); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Three consecutive failures transition to unhealthy; attempt 1
	// fires immediately on the transition.
	for i := 0; i < 3; i++ {
		c.evaluate(ctx, cfg, false, "HTTP 500")
	}
	if api.restarts != 1 {
		t.Fatalf("restarts = %d, want 1 on transition", api.restarts)
	}

	// Ten seconds later, still unhealthy: inside the retry delay.
	clk.now = clk.now.Add(10 * time.Second)
	c.evaluate(ctx, cfg, false, "HTTP 500")
	if api.restarts != 1 {
		t.Errorf("restarts = %d, want 1 inside retry delay", api.restarts)
	}

	// After the delay, attempts 2 and 3.
	clk.now = clk.now.Add(61 * time.Second)
	c.evaluate(ctx, cfg, false, "HTTP 500")
	clk.now = clk.now.Add(61 * time.Second)
	c.evaluate(ctx, cfg, false, "HTTP 500")
	if api.restarts != 3 {
		t.Fatalf("restarts = %d, want 3", api.restarts)
	}

	// The episode is capped at max_restart_attempts.
	clk.now = clk.now.Add(61 * time.Second)
	c.evaluate(ctx, cfg, false, "HTTP 500")
	if api.restarts != 3 {
		t.Errorf("restarts = %d, want 3 at episode cap", api.restarts)
	}

	// Recovery resets the episode; the next unhealthy transition gets a
	// fresh attempt 1.
	c.evaluate(ctx, cfg, true, "HTTP 200")
	for i := 0; i < 3; i++ {
		c.evaluate(ctx, cfg, false, "HTTP 500")
	}
	if api.restarts != 4 {
		t.Errorf("restarts = %d, want 4 after recovery reset", api.restarts)
	}
}

func TestRestartSafetyWindow(t *testing.T) {
	c, st, api, clk := testChecker(t)
	cfg := webCheck()
	cfg.FailureThreshold = 1
	cfg.MaxRestartAttempts = 100
	cfg.RestartRetryDelayS = 0
	if err := st.SaveHealthCheck(cfg); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		c.evaluate(ctx, cfg, false, "HTTP 500")
		clk.now = clk.now.Add(time.Second)
	}
	if api.restarts != safetyMaxRestart {
		t.Errorf("restarts = %d, want %d (sliding window cap)", api.restarts, safetyMaxRestart)
	}

	// Once the window slides past, restarts resume.
	clk.now = clk.now.Add(safetyWindow)
	c.evaluate(ctx, cfg, false, "HTTP 500")
	if api.restarts != safetyMaxRestart+1 {
		t.Errorf("restarts = %d, want %d after window slid", api.restarts, safetyMaxRestart+1)
	}
}

func TestReportResultUnknownCheck(t *testing.T) {
	c, _, _, _ := testChecker(t)
	if c.ReportResult(context.Background(), "h1:nosuchcontnr", true, "HTTP 200") {
		t.Error("unknown composite key should report false")
	}
}

func TestHealthTransitionPublishesEvent(t *testing.T) {
	c, st, _, _ := testChecker(t)
	cfg := webCheck()
	cfg.AutoRestartOnFailure = false
	cfg.FailureThreshold = 1
	if err := st.SaveHealthCheck(cfg); err != nil {
		t.Fatal(err)
	}

	ch, cancel := c.bus.Subscribe()
	defer cancel()

	c.evaluate(context.Background(), cfg, false, "connection refused")

	select {
	case evt := <-ch:
		if evt.Type != events.TypeContainerHealth {
			t.Errorf("event type = %s", evt.Type)
		}
		if evt.EntityID != cfg.CompositeKey {
			t.Errorf("entity = %s", evt.EntityID)
		}
	default:
		t.Fatal("no container_health_changed event published")
	}
}
