package deploy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

// fakeClock advances on every After so poll loops make progress without
// real sleeping.
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

type fakeAPI struct {
	docker.API

	nextID         int
	failCreateAt   int // fail the Nth create (1-based), 0 = never
	created        []string
	started        []string
	stopped        []string
	removed        []string
	volumes        []string
	removedVolumes []string
}

func (f *fakeAPI) Ping(context.Context) error { return nil }
func (f *fakeAPI) Close() error               { return nil }

func (f *fakeAPI) PullImageWithProgress(_ context.Context, _, _ string, onProgress func(docker.PullProgress)) error {
	onProgress(docker.PullProgress{ID: "layer1", Status: "Downloading",
		ProgressDetail: docker.PullDetail{Current: 50, Total: 100}})
	onProgress(docker.PullProgress{ID: "layer1", Status: "Pull complete"})
	return nil
}

func (f *fakeAPI) CreateContainer(_ context.Context, name string, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	f.nextID++
	if f.failCreateAt > 0 && f.nextID == f.failCreateAt {
		return "", errors.New("no such image")
	}
	id := fmt.Sprintf("%012d", f.nextID)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeAPI) StartContainer(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) InspectContainer(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{State: &container.State{Running: true, Status: "running"}}, nil
}

func (f *fakeAPI) StopContainer(_ context.Context, id string, _ int) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPI) RemoveContainer(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) NetworkExists(context.Context, string) (bool, error) { return false, nil }

func (f *fakeAPI) CreateVolume(_ context.Context, name string) error {
	f.volumes = append(f.volumes, name)
	return nil
}

func (f *fakeAPI) RemoveVolume(_ context.Context, name string) error {
	f.removedVolumes = append(f.removedVolumes, name)
	return nil
}

func testExecutor(t *testing.T) (*Executor, *store.Store, *fakeAPI) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	bus := events.New()
	cfg := &config.Config{PingInterval: time.Second, ReconnectMax: time.Minute, PullTimeout: time.Minute}
	mgr := hosts.NewManager(st, bus, cfg, logging.New(false), clk, hosts.DirectDialer())
	api := &fakeAPI{}
	mgr.AttachAgent("h1", api)

	return NewExecutor(st, mgr, bus, cfg, logging.New(false), clk), st, api
}

const stackDef = `
services:
  db:
    image: postgres:16
    volumes:
      - dbdata:/var/lib/postgresql/data
  web:
    image: nginx:alpine
    depends_on:
      - db
volumes:
  dbdata:
`

func TestExecuteStackSucceeds(t *testing.T) {
	e, st, api := testExecutor(t)
	d := store.Deployment{
		ID: "h1:deadbeef0001", HostID: "h1", Name: "shop", Type: "stack",
		Definition: stackDef, RollbackOnFailure: true,
	}
	if err := st.CreateDeployment(d); err != nil {
		t.Fatal(err)
	}

	if err := e.Execute(context.Background(), d.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	final, _ := st.GetDeployment(d.ID)
	if final.Status != store.DeployRunning {
		t.Fatalf("status = %s, want running (%s)", final.Status, final.ErrorMessage)
	}
	if final.ProgressPercent != 100 || !final.Committed {
		t.Errorf("progress = %d committed = %v", final.ProgressPercent, final.Committed)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("timestamps not set")
	}

	// db starts before web, and the named volume was created.
	if len(api.started) != 2 || api.started[0] != api.created[0] {
		t.Errorf("start order = %v, created = %v", api.started, api.created)
	}
	if len(api.volumes) != 1 || api.volumes[0] != "dbdata" {
		t.Errorf("volumes = %v", api.volumes)
	}

	// Each container has a managed metadata row keyed by composite key.
	meta, _ := st.ListDeploymentMetadataForHost("h1")
	if len(meta) != 2 {
		t.Fatalf("metadata rows = %d, want 2", len(meta))
	}
	for _, m := range meta {
		if !m.IsManaged || m.DeploymentID != d.ID {
			t.Errorf("metadata = %+v", m)
		}
	}
}

func TestExecuteRollsBackBeforeCommitment(t *testing.T) {
	e, st, api := testExecutor(t)
	api.failCreateAt = 2

	d := store.Deployment{
		ID: "h1:deadbeef0002", HostID: "h1", Name: "shop", Type: "stack",
		Definition: stackDef, RollbackOnFailure: true,
	}
	if err := st.CreateDeployment(d); err != nil {
		t.Fatal(err)
	}

	if err := e.Execute(context.Background(), d.ID); err == nil {
		t.Fatal("want error")
	}

	final, _ := st.GetDeployment(d.ID)
	if final.Status != store.DeployRolledBack {
		t.Fatalf("status = %s, want rolled_back", final.Status)
	}
	if final.Committed {
		t.Error("failed deployment must not be committed")
	}
	if final.ErrorMessage == "" {
		t.Error("error message not recorded")
	}

	// The one created container and the created volume were removed.
	if len(api.removed) != 1 || api.removed[0] != api.created[0] {
		t.Errorf("removed = %v, created = %v", api.removed, api.created)
	}
	if len(api.removedVolumes) != 1 || api.removedVolumes[0] != "dbdata" {
		t.Errorf("removed volumes = %v", api.removedVolumes)
	}
}

func TestExecuteNoRollbackWhenDisabled(t *testing.T) {
	e, st, api := testExecutor(t)
	api.failCreateAt = 1

	d := store.Deployment{
		ID: "h1:deadbeef0003", HostID: "h1", Name: "solo", Type: "container",
		Definition: "services:\n  app:\n    image: nginx\n", RollbackOnFailure: false,
	}
	if err := st.CreateDeployment(d); err != nil {
		t.Fatal(err)
	}

	_ = e.Execute(context.Background(), d.ID)

	final, _ := st.GetDeployment(d.ID)
	if final.Status != store.DeployFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to store.DeploymentStatus
		want     bool
	}{
		{store.DeployPending, store.DeployValidating, true},
		{store.DeployValidating, store.DeployPullingImage, true},
		{store.DeployStarting, store.DeployRunning, true},
		{store.DeployPending, store.DeployPullingImage, false}, // skips a state
		{store.DeployCreating, store.DeployValidating, false},  // backward
		{store.DeployCreating, store.DeployFailed, true},
		{store.DeployRunning, store.DeployFailed, false}, // terminal
		{store.DeployFailed, store.DeployRolledBack, true},
		{store.DeployRolledBack, store.DeployFailed, false},
		{store.DeployFailed, store.DeployStarting, false},
		{store.DeployRunning, store.DeployRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestProgressTracker(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	tr := docker.NewProgressTracker(clk)

	tr.Update(docker.PullProgress{ID: "a", Status: "Downloading",
		ProgressDetail: docker.PullDetail{Current: 50, Total: 100}})
	p := tr.Update(docker.PullProgress{ID: "b", Status: "Pull complete"})

	if p.TotalLayers != 2 {
		t.Errorf("total layers = %d", p.TotalLayers)
	}
	if p.OverallProgress != 75 {
		t.Errorf("overall = %d, want 75", p.OverallProgress)
	}
	if p.Summary != "1/2 layers complete" {
		t.Errorf("summary = %q", p.Summary)
	}

	p = tr.Update(docker.PullProgress{ID: "a", Status: "Pull complete"})
	if p.OverallProgress != 100 || p.Summary != "2/2 layers complete" {
		t.Errorf("final = %+v", p)
	}
}
