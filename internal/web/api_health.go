package web

import (
	"net/http"
	"net/url"

	"github.com/darthnorse/dockmon/internal/store"
)

// healthCheckView is a config joined with the checker's live state.
type healthCheckView struct {
	store.HealthCheckConfig
	LastResult string `json:"last_result,omitempty"`
}

func (s *Server) apiListHealthChecks(w http.ResponseWriter, r *http.Request) {
	configs, err := s.deps.Store.ListHealthChecks(false)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := []healthCheckView{}
	for _, cfg := range configs {
		v := healthCheckView{HealthCheckConfig: cfg}
		if status, last, ok := s.deps.Health.StateOf(cfg.CompositeKey); ok {
			v.CurrentStatus = status
			v.LastResult = last
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiGetHealthCheck(w http.ResponseWriter, r *http.Request) {
	_, _, compositeKey, err := containerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.deps.Store.GetHealthCheck(compositeKey)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	v := healthCheckView{HealthCheckConfig: *cfg}
	if status, last, ok := s.deps.Health.StateOf(compositeKey); ok {
		v.CurrentStatus = status
		v.LastResult = last
	}
	writeJSON(w, http.StatusOK, v)
}

// apiPutHealthCheck saves a check and hot-applies it; the running loop
// for this container, if any, is replaced.
func (s *Server) apiPutHealthCheck(w http.ResponseWriter, r *http.Request) {
	hostID, _, compositeKey, err := containerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var cfg store.HealthCheckConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	cfg.CompositeKey = compositeKey
	cfg.HostID = hostID
	if err := validateHealthCheck(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Store.SaveHealthCheck(cfg); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deps.Health.Apply(r.Context(), cfg)

	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) apiDeleteHealthCheck(w http.ResponseWriter, r *http.Request) {
	_, _, compositeKey, err := containerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Store.DeleteHealthCheck(compositeKey); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deps.Health.Remove(compositeKey)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// validateHealthCheck fills defaults and rejects configs the checker
// cannot run.
func validateHealthCheck(cfg *store.HealthCheckConfig) error {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errInvalidHealthURL
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.ExpectedStatusCodes == "" {
		cfg.ExpectedStatusCodes = "200-299"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 30
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = 3
	}
	if cfg.RestartRetryDelayS <= 0 {
		cfg.RestartRetryDelayS = 60
	}
	if cfg.CheckFrom == "" {
		cfg.CheckFrom = "backend"
	}
	if cfg.CheckFrom != "backend" && cfg.CheckFrom != "agent" {
		return errInvalidCheckFrom
	}
	if cfg.CurrentStatus == "" {
		cfg.CurrentStatus = store.HealthUnknown
	}
	return nil
}

var (
	errInvalidHealthURL = &validationError{"url must be an absolute http or https URL"}
	errInvalidCheckFrom = &validationError{"check_from must be backend or agent"}
)

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
