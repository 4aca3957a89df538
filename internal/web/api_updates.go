package web

import (
	"context"
	"net/http"
	"time"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
)

// apiListUpdates returns digest-check records. ?available=true narrows
// to containers with a newer image in their registry.
func (s *Server) apiListUpdates(w http.ResponseWriter, r *http.Request) {
	availableOnly := r.URL.Query().Get("available") == "true"
	records, err := s.deps.Store.ListContainerUpdates(availableOnly)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []store.ContainerUpdate{}
	}
	writeJSON(w, http.StatusOK, records)
}

// apiTriggerUpdateCheck runs a digest sweep now instead of waiting for
// the cron schedule.
func (s *Server) apiTriggerUpdateCheck(w http.ResponseWriter, r *http.Request) {
	go s.deps.Checker.CheckAll(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "check started"})
}

// apiValidateUpdateBatch classifies a set of update candidates against
// the policy patterns before anything is pulled.
func (s *Server) apiValidateUpdateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Containers []updates.Candidate `json:"containers"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.deps.Validator.ValidateBatch(req.Containers)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// apiUpdateContainer recreates a container on its latest known image.
// Agent-connected hosts run the sequence locally; the credentials ride
// inside the command. Self-updates skip the credential lookup entirely.
func (s *Server) apiUpdateContainer(w http.ResponseWriter, r *http.Request) {
	_, _, compositeKey, err := containerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		SelfUpdate bool `json:"self_update,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	hostID := r.PathValue("host_id")
	if s.deps.Agents.Connected(hostID) && !req.SelfUpdate {
		rec, err := s.deps.Store.GetContainerUpdate(compositeKey)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		cmd := agentchan.UpdateCommand{
			Image:        rec.LatestImage,
			RegistryAuth: s.deps.Updater.RegistryAuth(rec.LatestImage),
			StopTimeout:  30,
			PullTimeoutS: int(s.deps.Config.PullTimeout / time.Second),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.PullTimeout+5*time.Minute)
			defer cancel()
			if _, err := s.deps.Agents.UpdateContainer(ctx, compositeKey, cmd); err != nil {
				s.deps.Log.Error("agent update failed", "key", compositeKey, "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":        "update started",
			"composite_key": compositeKey,
			"via":           "agent",
		})
		return
	}

	run := s.deps.Updater.Update
	if req.SelfUpdate {
		run = s.deps.Updater.UpdateSelf
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.PullTimeout+5*time.Minute)
		defer cancel()
		if err := run(ctx, compositeKey); err != nil {
			s.deps.Log.Error("container update failed", "key", compositeKey, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "update started",
		"composite_key": compositeKey,
	})
}

func (s *Server) apiListUpdatePolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.deps.Store.ListUpdatePolicies(false)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if policies == nil {
		policies = []store.UpdatePolicy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *Server) apiPutUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p store.UpdatePolicy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if p.Pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern required")
		return
	}

	if err := s.deps.Store.SaveUpdatePolicy(p); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) apiDeleteUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteUpdatePolicy(r.PathValue("pattern")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
