// Package health runs per-container HTTP health check loops with
// episode-based auto-restart and a sliding-window restart cap.
package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/keys"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/pipeline"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultInterval  = 30 * time.Second
	cacheTTL         = 30 * time.Second
	safetyWindow     = 10 * time.Minute
	safetyMaxRestart = 12
)

// AgentPusher forwards health check configuration to on-host agents so
// the probe runs next to the container. Implemented by the agent channel.
type AgentPusher interface {
	PushHealthConfig(hostID string, cfg store.HealthCheckConfig) error
	RemoveHealthConfig(hostID, compositeKey string) error
}

// ContainerIndex resolves composite keys to observed containers.
// Implemented by the pipeline.
type ContainerIndex interface {
	Snapshots() []pipeline.Snapshot
}

// UpdateGuard reports whether a container is mid-update. Restarting a
// container the update executor may still remove during rollback would
// race the teardown, so guarded containers are left alone.
type UpdateGuard interface {
	IsUpdating(compositeKey string) bool
}

// checkState is the in-memory evaluation state for one check.
type checkState struct {
	consecFails     int
	consecOK        int
	status          store.HealthStatus
	lastResult      string
	episodeAttempts int
	lastRestart     time.Time
	restartHistory  []time.Time
	cancel          context.CancelFunc
}

type containerInfo struct {
	ShortID  string
	Name     string
	HostName string
}

// Checker owns the health check loops for every enabled config.
type Checker struct {
	store *store.Store
	mgr   *hosts.Manager
	index ContainerIndex
	bus   *events.Bus
	log   *logging.Logger
	clock clock.Clock
	agent AgentPusher
	guard UpdateGuard

	mu      sync.Mutex
	states  map[string]*checkState
	cache   map[string]containerInfo
	cacheAt time.Time
}

// NewChecker creates a Checker. agent may be nil when no agent channel
// is running; agent-side checks then stay unknown.
func NewChecker(st *store.Store, mgr *hosts.Manager, index ContainerIndex, bus *events.Bus, log *logging.Logger, clk clock.Clock, agent AgentPusher) *Checker {
	return &Checker{
		store:  st,
		mgr:    mgr,
		index:  index,
		bus:    bus,
		log:    log,
		clock:  clk,
		agent:  agent,
		states: make(map[string]*checkState),
		cache:  make(map[string]containerInfo),
	}
}

// SetUpdateGuard installs the mid-update guard. Called once at wiring
// time, before Run.
func (c *Checker) SetUpdateGuard(g UpdateGuard) { c.guard = g }

// Run starts loops for every enabled check and blocks until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) error {
	configs, err := c.store.ListHealthChecks(true)
	if err != nil {
		return fmt.Errorf("load health checks: %w", err)
	}
	for _, cfg := range configs {
		c.Apply(ctx, cfg)
	}
	<-ctx.Done()
	c.mu.Lock()
	for _, st := range c.states {
		if st.cancel != nil {
			st.cancel()
		}
	}
	c.mu.Unlock()
	return nil
}

// Apply installs or replaces the loop for one check. Called at startup
// and whenever a config is created or edited, so changes take effect
// without a restart.
func (c *Checker) Apply(ctx context.Context, cfg store.HealthCheckConfig) {
	c.mu.Lock()
	if prev, ok := c.states[cfg.CompositeKey]; ok && prev.cancel != nil {
		prev.cancel()
	}
	st := &checkState{status: cfg.CurrentStatus}
	if st.status == "" {
		st.status = store.HealthUnknown
	}
	c.states[cfg.CompositeKey] = st
	c.mu.Unlock()

	if !cfg.Enabled {
		return
	}

	if cfg.CheckFrom == "agent" {
		if c.agent == nil {
			c.log.Warn("agent-side check with no agent channel", "key", cfg.CompositeKey)
			return
		}
		if err := c.agent.PushHealthConfig(cfg.HostID, cfg); err != nil {
			c.log.Warn("push health config to agent", "key", cfg.CompositeKey, "error", err)
		}
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	st.cancel = cancel
	c.mu.Unlock()
	go c.loop(loopCtx, cfg)
}

// Remove stops and forgets a check's loop.
func (c *Checker) Remove(compositeKey string) {
	c.mu.Lock()
	st, ok := c.states[compositeKey]
	if ok {
		if st.cancel != nil {
			st.cancel()
		}
		delete(c.states, compositeKey)
	}
	c.mu.Unlock()

	if ok && c.agent != nil {
		_ = c.agent.RemoveHealthConfig(keys.HostOf(compositeKey), compositeKey)
	}
}

func (c *Checker) loop(ctx context.Context, cfg store.HealthCheckConfig) {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			ok, detail := c.probe(ctx, cfg)
			outcome := "fail"
			if ok {
				outcome = "ok"
			}
			metrics.HealthChecksTotal.WithLabelValues(outcome).Inc()
			c.evaluate(ctx, cfg, ok, detail)
		}
	}
}

// probe issues one HTTP request and compares the response against the
// expected status codes.
func (c *Checker) probe(ctx context.Context, cfg store.HealthCheckConfig) (bool, string) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("bad request: %v", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if a := cfg.Auth; a != nil {
		switch a.Type {
		case "basic":
			req.SetBasicAuth(a.Username, a.Password)
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+a.Token)
		}
	}

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
		},
	}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if StatusMatches(cfg.ExpectedStatusCodes, resp.StatusCode) {
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return false, fmt.Sprintf("unexpected HTTP %d", resp.StatusCode)
}

// StatusMatches reports whether a response code satisfies an expected
// spec of the form "200", "200,201", or "200-299" (comma-combinable).
// An empty spec accepts any 2xx.
func StatusMatches(expected string, code int) bool {
	if strings.TrimSpace(expected) == "" {
		return code >= 200 && code < 300
	}
	for _, part := range strings.Split(expected, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, isRange := strings.Cut(part, "-"); isRange {
			a, errA := strconv.Atoi(strings.TrimSpace(lo))
			b, errB := strconv.Atoi(strings.TrimSpace(hi))
			if errA == nil && errB == nil && code >= a && code <= b {
				return true
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil && code == n {
			return true
		}
	}
	return false
}

// ReportResult applies one probe outcome pushed by an on-host agent.
// Returns false for containers with no known check so the agent can drop
// stale configs.
func (c *Checker) ReportResult(ctx context.Context, compositeKey string, healthy bool, detail string) bool {
	cfg, err := c.store.GetHealthCheck(compositeKey)
	if err != nil {
		return false
	}
	c.evaluate(ctx, *cfg, healthy, detail)
	return true
}

// evaluate folds one result into the check state, handling threshold
// transitions and auto-restart.
func (c *Checker) evaluate(ctx context.Context, cfg store.HealthCheckConfig, ok bool, detail string) {
	now := c.clock.Now().UTC()

	c.mu.Lock()
	st, exists := c.states[cfg.CompositeKey]
	if !exists {
		st = &checkState{status: store.HealthUnknown}
		c.states[cfg.CompositeKey] = st
	}
	st.lastResult = detail

	failThreshold := cfg.FailureThreshold
	if failThreshold <= 0 {
		failThreshold = 3
	}
	okThreshold := cfg.SuccessThreshold
	if okThreshold <= 0 {
		okThreshold = 1
	}

	var transition store.HealthStatus
	if ok {
		st.consecOK++
		st.consecFails = 0
		if st.status != store.HealthHealthy && st.consecOK >= okThreshold {
			st.status = store.HealthHealthy
			transition = store.HealthHealthy
			// Recovery closes the episode.
			st.episodeAttempts = 0
			st.lastRestart = time.Time{}
		}
	} else {
		st.consecFails++
		st.consecOK = 0
		if st.status != store.HealthUnhealthy && st.consecFails >= failThreshold {
			st.status = store.HealthUnhealthy
			transition = store.HealthUnhealthy
		}
	}
	unhealthy := st.status == store.HealthUnhealthy
	c.mu.Unlock()

	if transition != "" {
		c.publishTransition(cfg, transition, detail)
	}
	if unhealthy {
		c.maybeRestart(ctx, cfg, now)
	}
}

// maybeRestart enforces the episode rules: attempt 1 fires on the
// transition itself, later attempts wait out the retry delay, the
// episode stops at max_restart_attempts, and no container is restarted
// more than 12 times in any 10-minute window.
func (c *Checker) maybeRestart(ctx context.Context, cfg store.HealthCheckConfig, now time.Time) {
	if !cfg.AutoRestartOnFailure {
		return
	}
	if c.guard != nil && c.guard.IsUpdating(cfg.CompositeKey) {
		c.log.Debug("restart skipped, container is updating", "key", cfg.CompositeKey)
		return
	}

	c.mu.Lock()
	st := c.states[cfg.CompositeKey]
	if st == nil {
		c.mu.Unlock()
		return
	}

	maxAttempts := cfg.MaxRestartAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if st.episodeAttempts >= maxAttempts {
		c.mu.Unlock()
		return
	}
	delay := time.Duration(cfg.RestartRetryDelayS) * time.Second
	if st.episodeAttempts > 0 && now.Sub(st.lastRestart) < delay {
		c.mu.Unlock()
		return
	}

	cutoff := now.Add(-safetyWindow)
	hist := st.restartHistory[:0]
	for _, ts := range st.restartHistory {
		if ts.After(cutoff) {
			hist = append(hist, ts)
		}
	}
	st.restartHistory = hist
	if len(st.restartHistory) >= safetyMaxRestart {
		c.mu.Unlock()
		c.log.Warn("restart safety cap reached", "key", cfg.CompositeKey)
		return
	}

	st.episodeAttempts++
	st.lastRestart = now
	st.restartHistory = append(st.restartHistory, now)
	attempt := st.episodeAttempts
	c.mu.Unlock()

	info, ok := c.lookup(cfg.CompositeKey)
	if !ok {
		c.log.Warn("restart skipped, container not observed", "key", cfg.CompositeKey)
		return
	}
	sess, ok := c.mgr.Session(cfg.HostID)
	if !ok {
		c.log.Warn("restart skipped, host offline", "key", cfg.CompositeKey)
		return
	}

	c.log.Info("restarting unhealthy container",
		"container", info.Name, "host", info.HostName, "attempt", attempt)
	if err := sess.API.RestartContainer(ctx, info.ShortID); err != nil {
		c.log.Error("auto-restart failed", "key", cfg.CompositeKey, "error", err)
		return
	}
	metrics.HealthRestartsTotal.Inc()
}

func (c *Checker) publishTransition(cfg store.HealthCheckConfig, status store.HealthStatus, detail string) {
	if err := c.store.SetHealthStatus(cfg.CompositeKey, status); err != nil {
		c.log.Error("persist health status", "key", cfg.CompositeKey, "error", err)
	}
	info, _ := c.lookup(cfg.CompositeKey)
	c.bus.PublishData(events.TypeContainerHealth, cfg.HostID, cfg.CompositeKey, map[string]any{
		"composite_key": cfg.CompositeKey,
		"status":        string(status),
		"name":          info.Name,
		"detail":        detail,
	})
	c.log.Info("health transition", "key", cfg.CompositeKey, "status", string(status), "detail", detail)
}

// lookup resolves a composite key via a cache refreshed at most every
// 30 seconds. Readers tolerate staleness.
func (c *Checker) lookup(compositeKey string) (containerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clock.Since(c.cacheAt) >= cacheTTL {
		fresh := make(map[string]containerInfo)
		for _, snap := range c.index.Snapshots() {
			name := snap.HostID
			if h, err := c.store.GetHost(snap.HostID); err == nil {
				name = h.Name
			}
			fresh[snap.CompositeKey] = containerInfo{
				ShortID:  snap.ShortID,
				Name:     snap.Name,
				HostName: name,
			}
		}
		c.cache = fresh
		c.cacheAt = c.clock.Now()
	}

	info, ok := c.cache[compositeKey]
	return info, ok
}

// StateOf reports the live evaluation state for one check, for the API.
func (c *Checker) StateOf(compositeKey string) (status store.HealthStatus, lastResult string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, found := c.states[compositeKey]
	if !found {
		return store.HealthUnknown, "", false
	}
	return st.status, st.lastResult, true
}
