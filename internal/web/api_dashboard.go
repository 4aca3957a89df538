package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/darthnorse/dockmon/internal/store"
)

// apiDashboardSummary aggregates the fleet into one payload for the
// landing page. Timestamps are UTC RFC3339 so they always end in Z.
func (s *Server) apiDashboardSummary(w http.ResponseWriter, r *http.Request) {
	type hostCounts struct {
		Online  int `json:"online"`
		Offline int `json:"offline"`
		Total   int `json:"total"`
	}
	type containerCounts struct {
		Running int `json:"running"`
		Stopped int `json:"stopped"`
		Paused  int `json:"paused"`
		Total   int `json:"total"`
	}

	var hc hostCounts
	hostRecords, err := s.deps.Store.ListHosts()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	for _, h := range hostRecords {
		if !h.IsActive {
			continue
		}
		hc.Total++
		if s.deps.Hosts.StatusOf(h.ID).State == "online" {
			hc.Online++
		} else {
			hc.Offline++
		}
	}

	var cc containerCounts
	for _, snap := range s.deps.Containers.Snapshots() {
		cc.Total++
		switch snap.State {
		case "running", "restarting":
			cc.Running++
		case "paused":
			cc.Paused++
		default:
			cc.Stopped++
		}
	}

	available, err := s.deps.Store.ListContainerUpdates(true)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	open, err := s.deps.Store.ListAlerts(store.AlertOpen)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hosts":      hc,
		"containers": cc,
		"updates":    map[string]int{"available": len(available)},
		"alerts":     map[string]int{"active": len(open)},
		"timestamp":  s.deps.Clock.Now().UTC().Format(time.RFC3339),
	})
}

// apiEventLog lists recent activity, newest first.
func (s *Server) apiEventLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	entries, err := s.deps.Store.ListEventLog(limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []store.EventLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
