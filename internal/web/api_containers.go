package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/keys"
	"github.com/darthnorse/dockmon/internal/pipeline"
	"github.com/darthnorse/dockmon/internal/store"
)

// defaultStopTimeout is the grace period for user-initiated stops.
const defaultStopTimeout = 10

// containerRef resolves the {host_id}/{id} path values into a composite
// key. IDs longer than 12 characters are truncated here, at the
// endpoint boundary; anything else invalid is rejected by the key
// constructor.
func containerRef(r *http.Request) (hostID, shortID, compositeKey string, err error) {
	hostID = r.PathValue("host_id")
	shortID = keys.NormalizeContainerID(r.PathValue("id"))
	compositeKey, err = keys.MakeCompositeKey(hostID, shortID)
	return hostID, shortID, compositeKey, err
}

// hostAPI returns the Docker API for a host, distinguishing an unknown
// host (404) from one that is known but unreachable (503).
func (s *Server) hostAPI(w http.ResponseWriter, r *http.Request, hostID string) (docker.API, bool) {
	if _, err := s.deps.Store.GetHost(hostID); err != nil {
		s.writeStoreError(w, err)
		return nil, false
	}
	sess, err := s.deps.Hosts.Ensure(r.Context(), hostID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("host %s unreachable: %v", hostID, err))
		return nil, false
	}
	return sess.API, true
}

// containerAction runs a lifecycle verb against the container named by a
// composite key. Used by both the REST handlers and action-token links.
func (s *Server) containerAction(ctx context.Context, compositeKey, action string) error {
	hostID, shortID, err := keys.ParseCompositeKey(compositeKey)
	if err != nil {
		return err
	}
	sess, ok := s.deps.Hosts.Session(hostID)
	if !ok {
		return fmt.Errorf("host %s not connected", hostID)
	}
	switch action {
	case "restart":
		return sess.API.RestartContainer(ctx, shortID)
	case "stop":
		return sess.API.StopContainer(ctx, shortID, defaultStopTimeout)
	case "start":
		return sess.API.StartContainer(ctx, shortID)
	default:
		return fmt.Errorf("unknown container action %q", action)
	}
}

// apiListContainers returns the live snapshot of every container across
// all hosts.
func (s *Server) apiListContainers(w http.ResponseWriter, r *http.Request) {
	snaps := s.deps.Containers.Snapshots()
	if snaps == nil {
		snaps = []pipeline.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// apiListHostContainers narrows the snapshot view to one host.
func (s *Server) apiListHostContainers(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("host_id")
	if _, err := s.deps.Store.GetHost(hostID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := []pipeline.Snapshot{}
	for _, snap := range s.deps.Containers.Snapshots() {
		if snap.HostID == hostID {
			out = append(out, snap)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiRestartContainer(w http.ResponseWriter, r *http.Request) {
	s.containerVerb(w, r, "restart", func(ctx context.Context, api docker.API, shortID string) error {
		return api.RestartContainer(ctx, shortID)
	})
}

func (s *Server) apiStopContainer(w http.ResponseWriter, r *http.Request) {
	timeout := defaultStopTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a non-negative integer")
			return
		}
		timeout = n
	}
	s.containerVerb(w, r, "stop", func(ctx context.Context, api docker.API, shortID string) error {
		return api.StopContainer(ctx, shortID, timeout)
	})
}

func (s *Server) apiStartContainer(w http.ResponseWriter, r *http.Request) {
	s.containerVerb(w, r, "start", func(ctx context.Context, api docker.API, shortID string) error {
		return api.StartContainer(ctx, shortID)
	})
}

// containerVerb shares the resolve-host/run/respond shape of the three
// lifecycle endpoints.
func (s *Server) containerVerb(w http.ResponseWriter, r *http.Request, verb string, op func(context.Context, docker.API, string) error) {
	hostID, shortID, compositeKey, err := containerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	api, ok := s.hostAPI(w, r, hostID)
	if !ok {
		return
	}

	if err := op(r.Context(), api, shortID); err != nil {
		s.deps.Log.Error("container "+verb+" failed", "key", compositeKey, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("%s failed: %v", verb, err))
		return
	}

	s.logContainerEvent(hostID, compositeKey, verb)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        verb,
		"composite_key": compositeKey,
	})
}

func (s *Server) apiContainerLogs(w http.ResponseWriter, r *http.Request) {
	hostID, shortID, compositeKey, err := containerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			writeError(w, http.StatusBadRequest, "lines must be 1-10000")
			return
		}
		lines = n
	}

	api, ok := s.hostAPI(w, r, hostID)
	if !ok {
		return
	}
	logs, err := api.ContainerLogs(r.Context(), shortID, lines)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("logs failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"composite_key": compositeKey,
		"logs":          logs,
	})
}

// apiSetAutoRestart enables or disables the restart-on-exit loop.
func (s *Server) apiSetAutoRestart(w http.ResponseWriter, r *http.Request) {
	hostID, _, compositeKey, err := containerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Enabled bool   `json:"enabled"`
		Name    string `json:"name,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		if snap, ok := s.deps.Containers.LastSnapshot(compositeKey); ok {
			req.Name = snap.Name
		}
	}

	cfg := store.AutoRestartConfig{
		CompositeKey: compositeKey,
		HostID:       hostID,
		Name:         req.Name,
		Enabled:      req.Enabled,
	}
	if err := s.deps.Store.SetAutoRestart(cfg); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// apiSetDesiredState records what DockMon should do when the container
// is found stopped.
func (s *Server) apiSetDesiredState(w http.ResponseWriter, r *http.Request) {
	hostID, _, compositeKey, err := containerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Desired store.DesiredRunState `json:"desired"`
		Name    string                `json:"name,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	switch req.Desired {
	case store.DesiredShouldRun, store.DesiredOnDemand, store.DesiredUnspecified:
	default:
		writeError(w, http.StatusBadRequest, "desired must be should_run, on_demand, or unspecified")
		return
	}
	if req.Name == "" {
		if snap, ok := s.deps.Containers.LastSnapshot(compositeKey); ok {
			req.Name = snap.Name
		}
	}

	ds := store.DesiredState{
		CompositeKey: compositeKey,
		HostID:       hostID,
		Name:         req.Name,
		Desired:      req.Desired,
	}
	if err := s.deps.Store.SetDesiredState(ds); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) logContainerEvent(hostID, compositeKey, verb string) {
	err := s.deps.Store.AppendEventLog(store.EventLogEntry{
		Timestamp: s.deps.Clock.Now().UTC(),
		Category:  "container",
		HostID:    hostID,
		EntityID:  compositeKey,
		Message:   "container " + verb + " requested",
	})
	if err != nil {
		s.deps.Log.Error("append event log", "error", err)
	}
}
