package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/deploy"
	"github.com/darthnorse/dockmon/internal/keys"
	"github.com/darthnorse/dockmon/internal/store"
)

func (s *Server) apiListDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListDeployments(r.URL.Query().Get("host_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []store.Deployment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// apiCreateDeployment validates and persists a deployment in pending
// state. Execution is a separate call.
func (s *Server) apiCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostID            string `json:"host_id"`
		Name              string `json:"name"`
		Type              string `json:"type"`
		Definition        string `json:"definition"`
		RollbackOnFailure bool   `json:"rollback_on_failure"`
		StackName         string `json:"stack_name,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.HostID == "" || req.Name == "" || req.Definition == "" {
		writeError(w, http.StatusBadRequest, "host_id, name, and definition are required")
		return
	}
	if req.Type != "container" && req.Type != "stack" {
		writeError(w, http.StatusBadRequest, "type must be container or stack")
		return
	}
	if _, err := s.deps.Store.GetHost(req.HostID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	var warnings []string
	if req.Type == "stack" {
		_, warn, err := deploy.ValidateCompose(req.Definition)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		warnings = warn
	}

	shortID := strings.ReplaceAll(uuid.NewString(), "-", "")[:keys.ShortIDLength]
	id, err := keys.MakeDeploymentID(req.HostID, shortID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	d := store.Deployment{
		ID:                id,
		HostID:            req.HostID,
		Name:              req.Name,
		Type:              req.Type,
		Definition:        req.Definition,
		Status:            store.DeployPending,
		RollbackOnFailure: req.RollbackOnFailure,
		StackName:         req.StackName,
	}
	if err := s.deps.Store.CreateDeployment(d); err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := map[string]any{"deployment": d}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) apiGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Store.GetDeployment(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) apiDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteDeployment(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// apiExecuteDeployment starts a pending deployment. A deployment that
// already ran is rejected with a conflict, never silently retried.
func (s *Server) apiExecuteDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Store.GetDeployment(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if d.Status != store.DeployPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot start deployment in status=%s", d.Status))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.PullTimeout+10*time.Minute)
		defer cancel()
		if err := s.deps.Deployer.Execute(ctx, d.ID); err != nil {
			s.deps.Log.Error("deployment failed", "deployment", d.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "execution started",
		"deployment_id": d.ID,
	})
}

// apiSaveAsTemplate copies a deployment's definition into the template
// library. The template name must be new.
func (s *Server) apiSaveAsTemplate(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Store.GetDeployment(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "template name required")
		return
	}

	tpl := store.Template{
		Name:    req.Name,
		Content: d.Definition,
	}
	if err := s.deps.Store.CreateTemplate(tpl); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "template "+req.Name+" already exists")
			return
		}
		s.writeStoreError(w, err)
		return
	}

	saved, err := s.deps.Store.GetTemplate(req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
