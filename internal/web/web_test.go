package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/alerts"
	"github.com/darthnorse/dockmon/internal/auth"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/pipeline"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
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

// fakeDocker records lifecycle calls per host.
type fakeDocker struct {
	docker.API

	mu        sync.Mutex
	restarted []string
	stopped   []string
	started   []string
}

func (f *fakeDocker) Ping(context.Context) error { return nil }
func (f *fakeDocker) RestartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	return nil
}
func (f *fakeDocker) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}
func (f *fakeDocker) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}
func (f *fakeDocker) ContainerLogs(_ context.Context, id string, _ int) (string, error) {
	return "log line for " + id, nil
}

type fakeIndex struct {
	snaps []pipeline.Snapshot
}

func (f *fakeIndex) Snapshots() []pipeline.Snapshot { return f.snaps }
func (f *fakeIndex) LastSnapshot(key string) (pipeline.Snapshot, bool) {
	for _, s := range f.snaps {
		if s.CompositeKey == key {
			return s, true
		}
	}
	return pipeline.Snapshot{}, false
}

type nopDeployer struct{}

func (nopDeployer) Execute(context.Context, string) error { return nil }

type nopUpdater struct{}

func (nopUpdater) Update(context.Context, string) error     { return nil }
func (nopUpdater) UpdateSelf(context.Context, string) error { return nil }
func (nopUpdater) RegistryAuth(string) string               { return "" }

type nopChecker struct{}

func (nopChecker) CheckAll(context.Context) {}

type nopHealth struct{}

func (nopHealth) Apply(context.Context, store.HealthCheckConfig) {}
func (nopHealth) Remove(string)                                  {}
func (nopHealth) StateOf(string) (store.HealthStatus, string, bool) {
	return store.HealthUnknown, "", false
}

type nopAgents struct{}

func (nopAgents) Connected(string) bool { return false }
func (nopAgents) UpdateContainer(context.Context, string, agentchan.UpdateCommand) (string, error) {
	return "", nil
}
func (nopAgents) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

type nopHub struct{}

func (nopHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, []store.ChannelRef, notify.Event) error {
	return nil
}

type testEnv struct {
	srv     *Server
	store   *store.Store
	index   *fakeIndex
	dockers map[string]*fakeDocker
	cookie  *http.Cookie
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	bus := events.New()
	log := logging.New(false)
	cfg := &config.Config{
		PollInterval:  30 * time.Second,
		PingInterval:  15 * time.Second,
		ReconnectMax:  time.Minute,
		PullTimeout:   time.Minute,
		SessionExpiry: 24 * time.Hour,
		MaxSessions:   5,
		StacksDir:     filepath.Join(t.TempDir(), "stacks"),
	}

	dockers := map[string]*fakeDocker{}
	dialer := hosts.DialerFunc(func(_ context.Context, h store.Host) (docker.API, error) {
		d, ok := dockers[h.ID]
		if !ok {
			return nil, fmt.Errorf("no fake docker for host %s", h.ID)
		}
		return d, nil
	})
	mgr := hosts.NewManager(st, bus, cfg, log, clk, dialer)

	for _, hostID := range []string{"h1", "h2"} {
		dockers[hostID] = &fakeDocker{}
		err := st.CreateHost(store.Host{
			ID:             hostID,
			Name:           hostID,
			URL:            "unix:///var/run/docker.sock",
			ConnectionType: store.ConnectionLocal,
			IsActive:       true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	authSvc := auth.New(st, cfg, log, clk)
	engine := alerts.NewEngine(st, bus, nopDispatcher{}, log, clk)
	index := &fakeIndex{}

	srv := NewServer(Dependencies{
		Store:      st,
		Hosts:      mgr,
		Containers: index,
		Bus:        bus,
		Auth:       authSvc,
		Alerts:     engine,
		Tokens:     alerts.NewTokenService(st, log, clk),
		Health:     nopHealth{},
		Deployer:   nopDeployer{},
		Updater:    nopUpdater{},
		Checker:    nopChecker{},
		Validator:  updates.NewValidator(st),
		Agents:     nopAgents{},
		Hub:        nopHub{},
		Config:     cfg,
		Log:        log,
		Clock:      clk,
	})

	env := &testEnv{srv: srv, store: st, index: index, dockers: dockers, cfg: cfg}

	if _, err := authSvc.CreateUser("admin", "hunter2hunter2", true); err != nil {
		t.Fatal(err)
	}
	rec := env.do(t, http.MethodPost, "/api/auth/login",
		`{"username":"admin","password":"hunter2hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			env.cookie = c
		}
	}
	if env.cookie == nil {
		t.Fatal("login did not set a session cookie")
	}
	return env
}

// do issues a request through the route table, attaching the session
// cookie when one exists.
func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body, err)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/dashboard/summary", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestDashboardSummary(t *testing.T) {
	env := newTestEnv(t)
	env.index.snaps = []pipeline.Snapshot{
		{CompositeKey: "h1:aaaaaaaaaaaa", HostID: "h1", State: "running"},
		{CompositeKey: "h1:bbbbbbbbbbbb", HostID: "h1", State: "paused"},
		{CompositeKey: "h2:cccccccccccc", HostID: "h2", State: "exited"},
	}

	rec := env.do(t, http.MethodGet, "/api/dashboard/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Hosts      struct{ Online, Offline, Total int }      `json:"hosts"`
		Containers struct{ Running, Stopped, Paused, Total int } `json:"containers"`
		Timestamp  string                                    `json:"timestamp"`
	}
	decodeBody(t, rec, &resp)

	if resp.Hosts.Total != 2 {
		t.Errorf("hosts.total = %d, want 2", resp.Hosts.Total)
	}
	if resp.Containers.Running != 1 || resp.Containers.Paused != 1 || resp.Containers.Stopped != 1 || resp.Containers.Total != 3 {
		t.Errorf("containers = %+v", resp.Containers)
	}
	if !strings.HasSuffix(resp.Timestamp, "Z") {
		t.Errorf("timestamp %q does not end in Z", resp.Timestamp)
	}
}

func TestUnscopedContainerRoutesAbsent(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/containers/abc123def456/restart",
		"/api/containers/abc123def456/stop",
		"/api/containers/abc123def456/start",
	} {
		rec := env.do(t, http.MethodPost, path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("POST %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestContainerRestartScopedPerHost(t *testing.T) {
	env := newTestEnv(t)

	// The same short ID exists on both hosts; each request must land on
	// exactly its own host.
	for _, hostID := range []string{"h1", "h2"} {
		rec := env.do(t, http.MethodPost, "/api/hosts/"+hostID+"/containers/abc123def456/restart", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("restart on %s status = %d: %s", hostID, rec.Code, rec.Body)
		}
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if want := hostID + ":abc123def456"; resp["composite_key"] != want {
			t.Errorf("composite_key = %q, want %q", resp["composite_key"], want)
		}
	}

	for _, hostID := range []string{"h1", "h2"} {
		d := env.dockers[hostID]
		d.mu.Lock()
		got := append([]string(nil), d.restarted...)
		d.mu.Unlock()
		if len(got) != 1 || got[0] != "abc123def456" {
			t.Errorf("host %s restarted = %v", hostID, got)
		}
	}
}

func TestContainerIDTruncatedAtBoundary(t *testing.T) {
	env := newTestEnv(t)
	full := "abc123def456" + strings.Repeat("0", 52)

	rec := env.do(t, http.MethodPost, "/api/hosts/h1/containers/"+full+"/restart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["composite_key"] != "h1:abc123def456" {
		t.Errorf("composite_key = %q", resp["composite_key"])
	}
}

func TestContainerActionOnUnknownHost(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/hosts/ghost/containers/abc123def456/restart", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestPrefsSizeLimit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/auth/prefs", `{"theme":"dark"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("small prefs status = %d: %s", rec.Code, rec.Body)
	}

	huge := `{"blob":"` + strings.Repeat("x", 110*1024) + `"}`
	rec = env.do(t, http.MethodPut, "/api/auth/prefs", huge)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized prefs status = %d, want 413", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/auth/prefs", "")
	var prefs map[string]string
	decodeBody(t, rec, &prefs)
	if prefs["theme"] != "dark" {
		t.Errorf("prefs = %v, oversized write should not have replaced them", prefs)
	}
}

func TestTemplateRender(t *testing.T) {
	env := newTestEnv(t)
	content := "services:\n  app:\n    image: nginx:${TAG}\n    ports:\n      - \"${PORT}:80\"\n"
	body, _ := json.Marshal(map[string]string{"name": "nginx", "content": content})
	if rec := env.do(t, http.MethodPost, "/api/templates", string(body)); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}

	rec := env.do(t, http.MethodGet, "/api/templates/nginx", "")
	var detail struct {
		Variables []string `json:"variables"`
	}
	decodeBody(t, rec, &detail)
	if len(detail.Variables) != 2 || detail.Variables[0] != "PORT" || detail.Variables[1] != "TAG" {
		t.Errorf("variables = %v", detail.Variables)
	}

	rec = env.do(t, http.MethodPost, "/api/templates/nginx/render", `{"variables":{"TAG":"1.27"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("render with missing variable status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/templates/nginx/render",
		`{"variables":{"TAG":"1.27","PORT":"8080"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("render status = %d: %s", rec.Code, rec.Body)
	}
	var rendered map[string]string
	decodeBody(t, rec, &rendered)
	if !strings.Contains(rendered["content"], "nginx:1.27") || !strings.Contains(rendered["content"], `"8080:80"`) {
		t.Errorf("rendered = %q", rendered["content"])
	}
}

func TestBuiltinTemplateProtected(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.CreateTemplate(store.Template{Name: "base", Content: "services: {}", IsBuiltin: true})
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodDelete, "/api/templates/base", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("delete builtin status = %d, want 409", rec.Code)
	}
	rec = env.do(t, http.MethodPut, "/api/templates/base", `{"content":"services:\n  x:\n    image: a\n"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("update builtin status = %d, want 409", rec.Code)
	}
}

const minimalCompose = "services:\n  app:\n    image: nginx:1.27\n"

func TestStackDeleteBlockedWhileReferenced(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(map[string]string{"name": "s1", "content": minimalCompose})
	if rec := env.do(t, http.MethodPost, "/api/stacks", string(body)); rec.Code != http.StatusCreated {
		t.Fatalf("create stack status = %d: %s", rec.Code, rec.Body)
	}

	for i := 0; i < 2; i++ {
		err := env.store.CreateDeployment(store.Deployment{
			ID:         fmt.Sprintf("h1:%012d", i),
			HostID:     "h1",
			Name:       fmt.Sprintf("dep-%d", i),
			Type:       "stack",
			Definition: minimalCompose,
			StackName:  "s1",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(t, http.MethodDelete, "/api/stacks/s1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "2 deployments") {
		t.Errorf("body %q does not cite the deployment count", rec.Body)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.StacksDir, "s1.yml")); err != nil {
		t.Errorf("stack file removed despite blocked delete: %v", err)
	}
}

func TestStackRenameCompensatesOnFSFailure(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(map[string]string{"name": "web", "content": minimalCompose})
	if rec := env.do(t, http.MethodPost, "/api/stacks", string(body)); rec.Code != http.StatusCreated {
		t.Fatalf("create stack status = %d: %s", rec.Code, rec.Body)
	}

	// A directory squatting on the destination path makes the file
	// rename fail after the DB rename succeeded.
	if err := os.MkdirAll(filepath.Join(env.cfg.StacksDir, "web2.yml"), 0o755); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/api/stacks/web/rename", `{"new_name":"web2"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	if _, err := env.store.GetStack("web"); err != nil {
		t.Errorf("compensation did not restore the stack: %v", err)
	}
	if _, err := env.store.GetStack("web2"); err == nil {
		t.Error("renamed stack still present after compensation")
	}
}

func TestSaveAsTemplate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/deployments/h1:000000000000/save-as-template", `{"name":"t1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing deployment status = %d, want 404", rec.Code)
	}

	err := env.store.CreateDeployment(store.Deployment{
		ID:         "h1:aaaaaaaaaaaa",
		HostID:     "h1",
		Name:       "dep",
		Type:       "stack",
		Definition: minimalCompose,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec = env.do(t, http.MethodPost, "/api/deployments/h1:aaaaaaaaaaaa/save-as-template", `{"name":"t1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var tpl store.Template
	decodeBody(t, rec, &tpl)
	if tpl.Name != "t1" || tpl.Content != minimalCompose {
		t.Errorf("template = %+v", tpl)
	}

	rec = env.do(t, http.MethodPost, "/api/deployments/h1:aaaaaaaaaaaa/save-as-template", `{"name":"t1"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate name status = %d, want 409", rec.Code)
	}
}

func TestExecuteDeploymentConflictWhenNotPending(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.CreateDeployment(store.Deployment{
		ID:         "h1:aaaaaaaaaaaa",
		HostID:     "h1",
		Name:       "dep",
		Type:       "container",
		Definition: `{"image":"nginx:1.27"}`,
		Status:     store.DeployRunning,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/api/deployments/h1:aaaaaaaaaaaa/execute", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "status=running") {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestChannelDeleteCascade(t *testing.T) {
	env := newTestEnv(t)

	var chA, chB store.NotificationChannel
	rec := env.do(t, http.MethodPost, "/api/channels",
		`{"name":"ops","type":"discord","config":{"webhook":"https://example.test/a"},"enabled":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create channel status = %d: %s", rec.Code, rec.Body)
	}
	decodeBody(t, rec, &chA)
	rec = env.do(t, http.MethodPost, "/api/channels",
		`{"name":"backup","type":"slack","config":{"webhook":"https://example.test/b"},"enabled":true}`)
	decodeBody(t, rec, &chB)

	mkRule := func(name string, channels ...int64) {
		t.Helper()
		refs, _ := json.Marshal(channels)
		body := fmt.Sprintf(`{"name":%q,"kind":"host_offline","scope":{"type":"global"},"severity":"critical","notify_channels":%s,"enabled":true}`, name, refs)
		if rec := env.do(t, http.MethodPost, "/api/alert-rules", body); rec.Code != http.StatusCreated {
			t.Fatalf("create rule status = %d: %s", rec.Code, rec.Body)
		}
	}
	mkRule("only-ops", chA.ID)
	mkRule("both", chA.ID, chB.ID)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/channels/%d", chA.ID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	var result store.DeleteChannelResult
	decodeBody(t, rec, &result)
	if len(result.DeletedAlerts) != 1 || result.DeletedAlerts[0] != "only-ops" {
		t.Errorf("deleted_alerts = %v", result.DeletedAlerts)
	}
	if result.UpdatedRules != 1 {
		t.Errorf("updated_rules = %d, want 1", result.UpdatedRules)
	}

	rules, err := env.store.ListAlertRules(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Name != "both" {
		t.Fatalf("surviving rules = %+v", rules)
	}
	if len(rules[0].NotifyChannels) != 1 || rules[0].NotifyChannels[0].ID != chB.ID {
		t.Errorf("surviving rule channels = %+v", rules[0].NotifyChannels)
	}
}

func TestValidateUpdateBatchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.SaveUpdatePolicy(store.UpdatePolicy{
		Pattern:  "postgres*",
		Category: store.PolicyDatabases,
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/api/batch/validate-update",
		`{"containers":[
			{"composite_key":"h1:aaaaaaaaaaaa","image":"postgres:16"},
			{"composite_key":"h1:bbbbbbbbbbbb","image":"nginx:1.27"}
		]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var result updates.BatchResult
	decodeBody(t, rec, &result)
	if result.Summary.Total != 2 || result.Summary.Warned != 1 || result.Summary.Allowed != 1 {
		t.Errorf("summary = %+v", result.Summary)
	}
	if len(result.Warned) != 1 || result.Warned[0].MatchedPattern != "postgres*" {
		t.Errorf("warned = %+v", result.Warned)
	}
}

func TestAPIKeyBearerAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/api-keys", `{"name":"ci"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue key status = %d: %s", rec.Code, rec.Body)
	}
	var issued map[string]string
	decodeBody(t, rec, &issued)

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard/summary", nil)
	req.Header.Set("Authorization", "Bearer "+issued["token"])
	out := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("bearer request status = %d: %s", out.Code, out.Body)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/dashboard/summary", nil)
	req.Header.Set("Authorization", "Bearer dmak_bogus")
	out = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(out, req)
	if out.Code != http.StatusUnauthorized {
		t.Errorf("bogus bearer status = %d, want 401", out.Code)
	}
}
