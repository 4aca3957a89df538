package updates

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/pipeline"
	"github.com/darthnorse/dockmon/internal/store"
)

// fakeClock advances on every After so health wait loops make progress.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.now = f.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }

const (
	oldID  = "aaaaaaaaaaaa"
	oldKey = "h1:" + oldID
	newID  = "bbbbbbbbbbbbcccccccccccc"
	newKey = "h1:bbbbbbbbbbbb"
)

type fakeAPI struct {
	docker.API

	failStart    bool
	remoteDigest string

	pulls   []string
	auths   []string
	renames []string
	created []createdContainer
	started []string
	stopped []string
	removed []string
}

type createdContainer struct {
	name   string
	image  string
	labels map[string]string
}

func (f *fakeAPI) Ping(context.Context) error { return nil }
func (f *fakeAPI) Close() error               { return nil }

func (f *fakeAPI) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	if strings.HasPrefix(newID, id) || id == newID {
		return container.InspectResponse{
			Name:   "/web",
			State:  &container.State{Running: true, Status: "running"},
			Config: &container.Config{Image: "nginx:1.27"},
		}, nil
	}
	return container.InspectResponse{
		Name:  "/web",
		State: &container.State{Running: true, Status: "running"},
		Config: &container.Config{
			Image: "nginx:1.25",
			Labels: map[string]string{
				"maintainer":                 "NGINX Docker Maintainers",
				"custom.label":               "yes",
				"com.docker.compose.project": "shop",
			},
		},
	}, nil
}

func (f *fakeAPI) ImageLabels(context.Context, string) (map[string]string, error) {
	return map[string]string{"maintainer": "NGINX Docker Maintainers"}, nil
}

func (f *fakeAPI) ImageDigest(_ context.Context, ref string) (string, error) {
	return ref + "@sha256:local", nil
}

func (f *fakeAPI) DistributionDigest(context.Context, string) (string, error) {
	if f.remoteDigest == "" {
		return "", errors.New("registry unreachable")
	}
	return f.remoteDigest, nil
}

func (f *fakeAPI) PullImageWithProgress(_ context.Context, ref, auth string, onProgress func(docker.PullProgress)) error {
	f.pulls = append(f.pulls, ref)
	f.auths = append(f.auths, auth)
	onProgress(docker.PullProgress{ID: "layer1", Status: "Pull complete"})
	return nil
}

func (f *fakeAPI) StopContainer(_ context.Context, id string, _ int) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPI) RenameContainer(_ context.Context, id, newName string) error {
	f.renames = append(f.renames, id+"->"+newName)
	return nil
}

func (f *fakeAPI) CreateContainer(_ context.Context, name string, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	f.created = append(f.created, createdContainer{name: name, image: cfg.Image, labels: cfg.Labels})
	return newID, nil
}

func (f *fakeAPI) StartContainer(_ context.Context, id string) error {
	if f.failStart && id == newID {
		return errors.New("oci runtime error")
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) RemoveContainer(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

type fakeIndex struct {
	snaps []pipeline.Snapshot
}

func (f *fakeIndex) Snapshots() []pipeline.Snapshot { return f.snaps }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testManager(t *testing.T, st *store.Store, clk *fakeClock, api docker.API) *hosts.Manager {
	t.Helper()
	cfg := &config.Config{PingInterval: time.Second, ReconnectMax: time.Minute, PullTimeout: time.Minute}
	mgr := hosts.NewManager(st, events.New(), cfg, logging.New(false), clk, hosts.DirectDialer())
	mgr.AttachAgent("h1", api)
	return mgr
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	tr.Add(oldKey, newKey)
	if !tr.IsUpdating(oldKey) || !tr.IsUpdating(newKey) {
		t.Error("both keys must be tracked")
	}
	tr.Remove(oldKey, newKey)
	tr.Remove(oldKey, newKey) // idempotent
	if tr.IsUpdating(oldKey) || tr.IsUpdating(newKey) {
		t.Error("keys must be gone after removal")
	}
}

func TestValidateBatch(t *testing.T) {
	st := testStore(t)
	for _, p := range []store.UpdatePolicy{
		{Pattern: "postgres*", Category: store.PolicyDatabases, Enabled: true},
		{Pattern: "dockmon*", Category: store.PolicyCritical, Enabled: true},
		{Pattern: "nginx*", Category: store.PolicyProxies, Enabled: false},
	} {
		if err := st.SaveUpdatePolicy(p); err != nil {
			t.Fatal(err)
		}
	}

	v := NewValidator(st)
	res, err := v.ValidateBatch([]Candidate{
		{CompositeKey: "h1:000000000001", Image: "nginx:alpine"},
		{CompositeKey: "h1:000000000002", Image: "postgres:16"},
		{CompositeKey: "h1:000000000003", Image: "dockmon:latest",
			Labels: map[string]string{LabelSelf: "true"}},
		{CompositeKey: "h1:000000000004", Image: "dockmon:latest"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Disabled patterns are ignored entirely.
	if len(res.Allowed) != 1 || res.Allowed[0].Image != "nginx:alpine" {
		t.Errorf("allowed = %+v", res.Allowed)
	}
	// A critical match only blocks the controller's own container;
	// anything else that matches a pattern is a warning.
	if len(res.Warned) != 2 {
		t.Fatalf("warned = %+v", res.Warned)
	}
	if res.Warned[0].MatchedPattern != "postgres*" {
		t.Errorf("matched_pattern = %q", res.Warned[0].MatchedPattern)
	}
	if len(res.Blocked) != 1 || res.Blocked[0].CompositeKey != "h1:000000000003" {
		t.Errorf("blocked = %+v", res.Blocked)
	}
	want := BatchSummary{Total: 4, Allowed: 1, Warned: 2, Blocked: 1}
	if res.Summary != want {
		t.Errorf("summary = %+v, want %+v", res.Summary, want)
	}
}

func TestCheckAllFlagsNewDigest(t *testing.T) {
	st := testStore(t)
	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	api := &fakeAPI{remoteDigest: "sha256:fresh"}
	mgr := testManager(t, st, clk, api)
	bus := events.New()
	index := &fakeIndex{snaps: []pipeline.Snapshot{
		{CompositeKey: oldKey, HostID: "h1", Name: "web", Image: "nginx:1.25"},
	}}

	c := NewChecker(st, mgr, index, bus, &config.Config{}, logging.New(false), clk)
	ch, cancel := bus.Subscribe()
	defer cancel()

	c.CheckAll(context.Background())

	rec, err := st.GetContainerUpdate(oldKey)
	if err != nil || rec == nil {
		t.Fatalf("record not seeded: %v", err)
	}
	if !rec.UpdateAvailable {
		t.Error("update_available not set")
	}
	if rec.LatestDigest != "sha256:fresh" {
		t.Errorf("latest_digest = %q", rec.LatestDigest)
	}
	if rec.LastCheckedAt.IsZero() {
		t.Error("last_checked_at not set")
	}

	select {
	case evt := <-ch:
		if evt.Type != events.TypeUpdateAvailable || evt.EntityID != oldKey {
			t.Errorf("event = %+v", evt)
		}
	default:
		t.Error("no update_available event published")
	}

	// A second sweep with the same digest is quiet.
	c.CheckAll(context.Background())
	select {
	case evt := <-ch:
		t.Errorf("unexpected repeat event %+v", evt)
	default:
	}
}

func TestDigestsEqual(t *testing.T) {
	tests := []struct {
		local, remote string
		want          bool
	}{
		{"sha256:abc", "sha256:abc", true},
		{"nginx@sha256:abc", "sha256:abc", true},
		{"nginx@sha256:abc", "sha256:def", false},
		{"sha256:abc", "sha256:def", false},
	}
	for _, tt := range tests {
		if got := digestsEqual(tt.local, tt.remote); got != tt.want {
			t.Errorf("digestsEqual(%q, %q) = %v, want %v", tt.local, tt.remote, got, tt.want)
		}
	}
}

func testExecutor(t *testing.T, creds CredentialFunc) (*Executor, *store.Store, *fakeAPI, *Tracker) {
	t.Helper()
	st := testStore(t)
	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	api := &fakeAPI{}
	mgr := testManager(t, st, clk, api)
	tracker := NewTracker()
	cfg := &config.Config{PingInterval: time.Second, ReconnectMax: time.Minute, PullTimeout: time.Minute}
	e := NewExecutor(st, mgr, events.New(), tracker, creds, cfg, logging.New(false), clk)
	return e, st, api, tracker
}

func seedUpdate(t *testing.T, st *store.Store) {
	t.Helper()
	err := st.SaveContainerUpdate(store.ContainerUpdate{
		CompositeKey:    oldKey,
		HostID:          "h1",
		CurrentImage:    "nginx:1.25",
		CurrentDigest:   "sha256:old",
		LatestImage:     "nginx:1.27",
		LatestDigest:    "sha256:fresh",
		UpdateAvailable: true,
		FloatingTagMode: "exact",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUpdateSucceeds(t *testing.T) {
	credCalls := 0
	e, st, api, tracker := testExecutor(t, func(string) (*Credentials, error) {
		credCalls++
		return &Credentials{Username: "u", Password: "p"}, nil
	})
	seedUpdate(t, st)

	tag := store.Tag{ID: "t1", Name: "prod"}
	if err := st.CreateTag(tag); err != nil {
		t.Fatal(err)
	}
	if err := st.AssignTag(store.TagAssignment{TagID: "t1", SubjectType: store.SubjectContainer, SubjectID: oldKey}); err != nil {
		t.Fatal(err)
	}

	if err := e.Update(context.Background(), oldKey); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if credCalls != 1 {
		t.Errorf("credential callback calls = %d, want 1", credCalls)
	}
	if len(api.pulls) != 1 || api.pulls[0] != "nginx:1.27" {
		t.Errorf("pulls = %v", api.pulls)
	}
	if api.auths[0] == "" {
		t.Error("registry auth not passed to pull")
	}

	// Old parked under a temp name, replacement created under the real
	// name with the new image and only user plus compose labels.
	if len(api.renames) != 1 || api.renames[0] != oldID+"->web-old" {
		t.Errorf("renames = %v", api.renames)
	}
	if len(api.created) != 1 {
		t.Fatalf("created = %v", api.created)
	}
	c := api.created[0]
	if c.name != "web" || c.image != "nginx:1.27" {
		t.Errorf("created = %+v", c)
	}
	if _, ok := c.labels["maintainer"]; ok {
		t.Error("image default label carried over")
	}
	if c.labels["custom.label"] != "yes" || c.labels["com.docker.compose.project"] != "shop" {
		t.Errorf("labels = %v", c.labels)
	}

	// Old container removed only after the replacement verified healthy.
	if len(api.removed) != 1 || api.removed[0] != oldID {
		t.Errorf("removed = %v", api.removed)
	}

	// Tag assignments follow the container to its new key.
	moved, err := st.AssignmentsForSubject(store.SubjectContainer, newKey)
	if err != nil || len(moved) != 1 || moved[0].TagID != "t1" {
		t.Errorf("migrated assignments = %v (%v)", moved, err)
	}
	stale, _ := st.AssignmentsForSubject(store.SubjectContainer, oldKey)
	if len(stale) != 0 {
		t.Errorf("old key still has assignments: %v", stale)
	}

	// Update record rewritten under the new key with the fresh baseline.
	if rec, _ := st.GetContainerUpdate(oldKey); rec != nil {
		t.Error("old update record not deleted")
	}
	rec, err := st.GetContainerUpdate(newKey)
	if err != nil || rec == nil {
		t.Fatalf("new update record missing: %v", err)
	}
	if rec.CurrentImage != "nginx:1.27" || rec.UpdateAvailable {
		t.Errorf("record = %+v", rec)
	}
	if rec.FloatingTagMode != "exact" {
		t.Errorf("floating_tag_mode = %q, not preserved", rec.FloatingTagMode)
	}

	if tracker.IsUpdating(oldKey) || tracker.IsUpdating(newKey) {
		t.Error("tracker keys not released")
	}
}

func TestUpdateRollsBackOnStartFailure(t *testing.T) {
	e, st, api, tracker := testExecutor(t, nil)
	seedUpdate(t, st)
	api.failStart = true

	if err := e.Update(context.Background(), oldKey); err == nil {
		t.Fatal("want error")
	}

	// Replacement removed, old container renamed back and restarted.
	if len(api.removed) != 1 || api.removed[0] != newID {
		t.Errorf("removed = %v", api.removed)
	}
	if len(api.renames) != 2 || api.renames[1] != oldID+"->web" {
		t.Errorf("renames = %v", api.renames)
	}
	if len(api.started) != 1 || api.started[0] != oldID {
		t.Errorf("started = %v", api.started)
	}

	// The record stays under the old key, still flagged.
	rec, err := st.GetContainerUpdate(oldKey)
	if err != nil || rec == nil || !rec.UpdateAvailable {
		t.Errorf("record = %+v (%v)", rec, err)
	}

	if tracker.IsUpdating(oldKey) || tracker.IsUpdating(newKey) {
		t.Error("tracker keys not released after rollback")
	}
}

func TestUpdateSelfSkipsCredentialLookup(t *testing.T) {
	e, st, api, _ := testExecutor(t, func(string) (*Credentials, error) {
		return nil, fmt.Errorf("must not be called")
	})
	seedUpdate(t, st)

	if err := e.UpdateSelf(context.Background(), oldKey); err != nil {
		t.Fatalf("UpdateSelf: %v", err)
	}
	if api.auths[0] != "" {
		t.Errorf("auth = %q, want anonymous", api.auths[0])
	}
}
