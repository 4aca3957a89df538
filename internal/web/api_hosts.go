package web

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/store"
)

// hostView joins the persisted host record with its live connection
// status.
type hostView struct {
	store.Host
	Status hosts.Status `json:"status"`
}

func (s *Server) apiListHosts(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListHosts()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := []hostView{}
	for _, h := range records {
		h.TLS = nil // key material never leaves the server
		out = append(out, hostView{Host: h, Status: s.deps.Hosts.StatusOf(h.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiCreateHost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string             `json:"name"`
		URL            string             `json:"url"`
		ConnectionType string             `json:"connection_type"`
		TLS            *store.TLSMaterial `json:"tls,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	typ := store.ConnectionType(req.ConnectionType)
	switch typ {
	case store.ConnectionLocal, store.ConnectionRemote:
	case store.ConnectionAgent:
		writeError(w, http.StatusBadRequest, "agent hosts are created by agent registration, not this endpoint")
		return
	default:
		writeError(w, http.StatusBadRequest, "connection_type must be local or remote")
		return
	}
	if typ == store.ConnectionRemote && strings.HasPrefix(req.URL, "tcp://") && req.TLS == nil {
		writeError(w, http.StatusBadRequest, "remote tcp hosts require tls material")
		return
	}

	h := store.Host{
		ID:             uuid.NewString(),
		Name:           req.Name,
		URL:            req.URL,
		ConnectionType: typ,
		TLS:            req.TLS,
		IsActive:       true,
	}
	if err := s.deps.Store.CreateHost(h); err != nil {
		s.writeStoreError(w, err)
		return
	}

	h.TLS = nil
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) apiGetHost(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Store.GetHost(r.PathValue("host_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	h.TLS = nil
	writeJSON(w, http.StatusOK, hostView{Host: *h, Status: s.deps.Hosts.StatusOf(h.ID)})
}

func (s *Server) apiUpdateHost(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Store.GetHost(r.PathValue("host_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	var req struct {
		Name string             `json:"name,omitempty"`
		URL  string             `json:"url,omitempty"`
		TLS  *store.TLSMaterial `json:"tls,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name != "" {
		h.Name = req.Name
	}
	if req.URL != "" {
		h.URL = req.URL
	}
	if req.TLS != nil {
		h.TLS = req.TLS
	}

	if err := s.deps.Store.UpdateHost(*h); err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Connection parameters may have changed; force a redial.
	s.deps.Hosts.Drop(h.ID)

	h.TLS = nil
	writeJSON(w, http.StatusOK, h)
}

// apiDeleteHost cascades container-scoped data before removing the host
// record, then drops any live session.
func (s *Server) apiDeleteHost(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("host_id")
	if _, err := s.deps.Store.GetHost(hostID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	counts, err := s.deps.Store.CleanupHostData(hostID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.deps.Store.DeleteHost(hostID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deps.Hosts.Drop(hostID)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "deleted",
		"host_id": hostID,
		"cleanup": counts,
	})
}
