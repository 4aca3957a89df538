package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/darthnorse/dockmon/internal/store"
)

// channelTypes is the closed set of notification transports.
var channelTypes = map[string]bool{
	"discord": true, "telegram": true, "pushover": true, "slack": true,
	"gotify": true, "ntfy": true, "webhook": true, "smtp": true, "mqtt": true,
}

func channelID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) apiListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Store.ListChannels()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if channels == nil {
		channels = []store.NotificationChannel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) apiCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string          `json:"name"`
		Type    string          `json:"type"`
		Config  json.RawMessage `json:"config"`
		Enabled bool            `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" || !channelTypes[req.Type] {
		writeError(w, http.StatusBadRequest, "name and a known channel type are required")
		return
	}

	ch, err := s.deps.Store.CreateChannel(store.NotificationChannel{
		Name:    req.Name,
		Type:    req.Type,
		Config:  req.Config,
		Enabled: req.Enabled,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) apiGetChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	ch, err := s.deps.Store.GetChannel(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) apiUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	cur, err := s.deps.Store.GetChannel(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	var req struct {
		Name    *string         `json:"name,omitempty"`
		Config  json.RawMessage `json:"config,omitempty"`
		Enabled *bool           `json:"enabled,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name != nil {
		cur.Name = *req.Name
	}
	if req.Config != nil {
		cur.Config = req.Config
	}
	if req.Enabled != nil {
		cur.Enabled = *req.Enabled
	}

	if err := s.deps.Store.UpdateChannel(*cur); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// apiDeleteChannel removes a channel. Rules that would lose their only
// channel are deleted with it; the response names them so nothing
// disappears silently.
func (s *Server) apiDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	result, err := s.deps.Store.DeleteChannel(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deps.Alerts.ReloadRules()

	if result.DeletedAlerts == nil {
		result.DeletedAlerts = []string{}
	}
	writeJSON(w, http.StatusOK, result)
}
