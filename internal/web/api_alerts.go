package web

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/store"
)

func (s *Server) apiListAlertRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListAlertRules(false)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rules == nil {
		rules = []store.AlertRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) apiCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	var rule store.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if rule.Name == "" || rule.Kind == "" {
		writeError(w, http.StatusBadRequest, "name and kind are required")
		return
	}
	rule.ID = uuid.NewString()

	if err := s.deps.Store.SaveAlertRule(rule); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deps.Alerts.ReloadRules()

	saved, err := s.deps.Store.GetAlertRule(rule.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) apiGetAlertRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Store.GetAlertRule(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) apiUpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetAlertRule(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	var rule store.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	rule.ID = id

	if err := s.deps.Store.SaveAlertRule(rule); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deps.Alerts.ReloadRules()

	saved, err := s.deps.Store.GetAlertRule(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) apiDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAlertRule(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deps.Alerts.ReloadRules()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// apiListAlerts returns alert instances, filtered by ?state=.
func (s *Server) apiListAlerts(w http.ResponseWriter, r *http.Request) {
	state := store.AlertState(r.URL.Query().Get("state"))
	switch state {
	case "", store.AlertOpen, store.AlertSnoozed, store.AlertResolved:
	default:
		writeError(w, http.StatusBadRequest, "state must be open, snoozed, or resolved")
		return
	}

	alerts, err := s.deps.Store.ListAlerts(state)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if alerts == nil {
		alerts = []store.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) apiResolveAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ResolveAlert(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
