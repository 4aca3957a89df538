package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/health"
	"github.com/darthnorse/dockmon/internal/store"
)

// probeSet runs the agent-side health checks the controller pushed down.
// Each config gets its own loop; results stream back as
// health_check_result frames and the controller keeps all the state.
type probeSet struct {
	sess *session

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newProbeSet(sess *session) *probeSet {
	return &probeSet{sess: sess, cancels: make(map[string]context.CancelFunc)}
}

// apply starts or replaces the probe loop for one container.
func (p *probeSet) apply(cfg store.HealthCheckConfig) {
	p.mu.Lock()
	if cancel, ok := p.cancels[cfg.CompositeKey]; ok {
		cancel()
	}
	if !cfg.Enabled {
		delete(p.cancels, cfg.CompositeKey)
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[cfg.CompositeKey] = cancel
	p.mu.Unlock()

	p.sess.log.Info("health probe started", "key", cfg.CompositeKey, "url", cfg.URL)
	go p.loop(ctx, cfg)
}

func (p *probeSet) remove(compositeKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[compositeKey]; ok {
		cancel()
		delete(p.cancels, compositeKey)
	}
}

func (p *probeSet) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cancel := range p.cancels {
		cancel()
		delete(p.cancels, key)
	}
}

func (p *probeSet) loop(ctx context.Context, cfg store.HealthCheckConfig) {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		healthy, detail := probe(ctx, cfg)
		payload, _ := json.Marshal(map[string]any{
			"composite_key": cfg.CompositeKey,
			"healthy":       healthy,
			"detail":        detail,
		})
		if err := p.sess.send(agentchan.Frame{Type: frameHealthResult, Payload: payload}); err != nil {
			return
		}
	}
}

// probe issues one HTTP request against the configured endpoint, from
// the container's own host.
func probe(ctx context.Context, cfg store.HealthCheckConfig) (bool, string) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
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

	if health.StatusMatches(cfg.ExpectedStatusCodes, resp.StatusCode) {
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return false, fmt.Sprintf("unexpected HTTP %d", resp.StatusCode)
}
