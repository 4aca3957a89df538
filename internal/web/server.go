// Package web is the REST and WebSocket surface of the controller.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/alerts"
	"github.com/darthnorse/dockmon/internal/auth"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/pipeline"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
)

// sessionCookie is the browser session cookie name.
const sessionCookie = "dockmon_session"

// ContainerIndex reads the live container view maintained by the
// pipeline.
type ContainerIndex interface {
	Snapshots() []pipeline.Snapshot
	LastSnapshot(compositeKey string) (pipeline.Snapshot, bool)
}

// Deployer runs deployments to a terminal state.
type Deployer interface {
	Execute(ctx context.Context, deploymentID string) error
}

// Updater runs container updates on directly connected hosts.
type Updater interface {
	Update(ctx context.Context, compositeKey string) error
	UpdateSelf(ctx context.Context, compositeKey string) error
	RegistryAuth(imageRef string) string
}

// UpdateChecker triggers an immediate digest sweep.
type UpdateChecker interface {
	CheckAll(ctx context.Context)
}

// HealthManager applies and retracts health check loops.
type HealthManager interface {
	Apply(ctx context.Context, cfg store.HealthCheckConfig)
	Remove(compositeKey string)
	StateOf(compositeKey string) (store.HealthStatus, string, bool)
}

// AgentGateway routes operations to hosts connected through an agent
// channel.
type AgentGateway interface {
	Connected(hostID string) bool
	UpdateContainer(ctx context.Context, compositeKey string, cmd agentchan.UpdateCommand) (string, error)
	HandleAgentWS(w http.ResponseWriter, r *http.Request)
}

// WSHub upgrades authenticated clients onto the broadcast hub.
type WSHub interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// Dependencies is everything the HTTP layer needs from the rest of the
// application.
type Dependencies struct {
	Store      *store.Store
	Hosts      *hosts.Manager
	Containers ContainerIndex
	Bus        *events.Bus
	Auth       *auth.Service
	Alerts     *alerts.Engine
	Tokens     *alerts.TokenService
	Health     HealthManager
	Deployer   Deployer
	Updater    Updater
	Checker    UpdateChecker
	Validator  *updates.Validator
	Agents     AgentGateway
	Hub        WSHub
	Config     *config.Config
	Log        *logging.Logger
	Clock      clock.Clock
}

// Server is the controller's HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:        s.deps.Config.Listen,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		// WebSocket connections are long-lived; no global write timeout.
		IdleTimeout: 120 * time.Second,
	}
	s.deps.Log.Info("http server listening", "addr", s.deps.Config.Listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	authed := s.requireAuth

	// Public: the login call, the metrics scrape, agent enrollment
	// (token-authenticated inside the channel handshake), and action
	// token redemption (the token is the credential).
	s.mux.HandleFunc("POST /api/auth/login", s.apiLogin)
	s.mux.HandleFunc("POST /api/actions/{token}", s.apiRedeemAction)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws/agent", s.deps.Agents.HandleAgentWS)

	// Account and credentials.
	s.mux.Handle("POST /api/auth/logout", authed(s.apiLogout))
	s.mux.Handle("GET /api/auth/me", authed(s.apiMe))
	s.mux.Handle("POST /api/auth/change-password", authed(s.apiChangePassword))
	s.mux.Handle("POST /api/auth/api-keys", authed(s.apiCreateAPIKey))
	s.mux.Handle("DELETE /api/auth/api-keys/{id}", authed(s.apiDeleteAPIKey))
	s.mux.Handle("POST /api/auth/registration-tokens", authed(s.apiCreateRegistrationToken))
	s.mux.Handle("POST /api/auth/action-tokens", authed(s.apiIssueActionToken))
	s.mux.Handle("GET /api/auth/prefs", authed(s.apiGetPrefs))
	s.mux.Handle("PUT /api/auth/prefs", authed(s.apiPutPrefs))

	// Dashboard and realtime.
	s.mux.Handle("GET /api/dashboard/summary", authed(s.apiDashboardSummary))
	s.mux.Handle("GET /api/events", authed(s.apiEventLog))
	s.mux.Handle("GET /ws", authed(s.deps.Hub.HandleWS))

	// Hosts.
	s.mux.Handle("GET /api/hosts", authed(s.apiListHosts))
	s.mux.Handle("POST /api/hosts", authed(s.apiCreateHost))
	s.mux.Handle("GET /api/hosts/{host_id}", authed(s.apiGetHost))
	s.mux.Handle("PUT /api/hosts/{host_id}", authed(s.apiUpdateHost))
	s.mux.Handle("DELETE /api/hosts/{host_id}", authed(s.apiDeleteHost))

	// Containers. Every operation is host-scoped; there is deliberately
	// no /api/containers/{id}/... route, so short-ID collisions across
	// hosts cannot be misrouted.
	s.mux.Handle("GET /api/containers", authed(s.apiListContainers))
	s.mux.Handle("GET /api/hosts/{host_id}/containers", authed(s.apiListHostContainers))
	s.mux.Handle("POST /api/hosts/{host_id}/containers/{id}/restart", authed(s.apiRestartContainer))
	s.mux.Handle("POST /api/hosts/{host_id}/containers/{id}/stop", authed(s.apiStopContainer))
	s.mux.Handle("POST /api/hosts/{host_id}/containers/{id}/start", authed(s.apiStartContainer))
	s.mux.Handle("GET /api/hosts/{host_id}/containers/{id}/logs", authed(s.apiContainerLogs))
	s.mux.Handle("PUT /api/hosts/{host_id}/containers/{id}/auto-restart", authed(s.apiSetAutoRestart))
	s.mux.Handle("PUT /api/hosts/{host_id}/containers/{id}/desired-state", authed(s.apiSetDesiredState))
	s.mux.Handle("POST /api/hosts/{host_id}/containers/{id}/update", authed(s.apiUpdateContainer))

	// Health checks.
	s.mux.Handle("GET /api/health-checks", authed(s.apiListHealthChecks))
	s.mux.Handle("GET /api/hosts/{host_id}/containers/{id}/health-check", authed(s.apiGetHealthCheck))
	s.mux.Handle("PUT /api/hosts/{host_id}/containers/{id}/health-check", authed(s.apiPutHealthCheck))
	s.mux.Handle("DELETE /api/hosts/{host_id}/containers/{id}/health-check", authed(s.apiDeleteHealthCheck))

	// Updates.
	s.mux.Handle("GET /api/updates", authed(s.apiListUpdates))
	s.mux.Handle("POST /api/updates/check", authed(s.apiTriggerUpdateCheck))
	s.mux.Handle("POST /api/batch/validate-update", authed(s.apiValidateUpdateBatch))
	s.mux.Handle("GET /api/update-policies", authed(s.apiListUpdatePolicies))
	s.mux.Handle("PUT /api/update-policies", authed(s.apiPutUpdatePolicy))
	s.mux.Handle("DELETE /api/update-policies/{pattern}", authed(s.apiDeleteUpdatePolicy))

	// Deployments.
	s.mux.Handle("GET /api/deployments", authed(s.apiListDeployments))
	s.mux.Handle("POST /api/deployments", authed(s.apiCreateDeployment))
	s.mux.Handle("GET /api/deployments/{id}", authed(s.apiGetDeployment))
	s.mux.Handle("DELETE /api/deployments/{id}", authed(s.apiDeleteDeployment))
	s.mux.Handle("POST /api/deployments/{id}/execute", authed(s.apiExecuteDeployment))
	s.mux.Handle("POST /api/deployments/{id}/save-as-template", authed(s.apiSaveAsTemplate))

	// Stacks.
	s.mux.Handle("GET /api/stacks", authed(s.apiListStacks))
	s.mux.Handle("POST /api/stacks", authed(s.apiCreateStack))
	s.mux.Handle("GET /api/stacks/{name}", authed(s.apiGetStack))
	s.mux.Handle("PUT /api/stacks/{name}", authed(s.apiUpdateStack))
	s.mux.Handle("DELETE /api/stacks/{name}", authed(s.apiDeleteStack))
	s.mux.Handle("POST /api/stacks/{name}/rename", authed(s.apiRenameStack))
	s.mux.Handle("POST /api/stacks/{name}/copy", authed(s.apiCopyStack))

	// Templates.
	s.mux.Handle("GET /api/templates", authed(s.apiListTemplates))
	s.mux.Handle("POST /api/templates", authed(s.apiCreateTemplate))
	s.mux.Handle("GET /api/templates/{name}", authed(s.apiGetTemplate))
	s.mux.Handle("PUT /api/templates/{name}", authed(s.apiUpdateTemplate))
	s.mux.Handle("DELETE /api/templates/{name}", authed(s.apiDeleteTemplate))
	s.mux.Handle("POST /api/templates/{name}/render", authed(s.apiRenderTemplate))

	// Alerting.
	s.mux.Handle("GET /api/alert-rules", authed(s.apiListAlertRules))
	s.mux.Handle("POST /api/alert-rules", authed(s.apiCreateAlertRule))
	s.mux.Handle("GET /api/alert-rules/{id}", authed(s.apiGetAlertRule))
	s.mux.Handle("PUT /api/alert-rules/{id}", authed(s.apiUpdateAlertRule))
	s.mux.Handle("DELETE /api/alert-rules/{id}", authed(s.apiDeleteAlertRule))
	s.mux.Handle("GET /api/alerts", authed(s.apiListAlerts))
	s.mux.Handle("POST /api/alerts/{id}/resolve", authed(s.apiResolveAlert))

	// Notification channels.
	s.mux.Handle("GET /api/channels", authed(s.apiListChannels))
	s.mux.Handle("POST /api/channels", authed(s.apiCreateChannel))
	s.mux.Handle("GET /api/channels/{id}", authed(s.apiGetChannel))
	s.mux.Handle("PUT /api/channels/{id}", authed(s.apiUpdateChannel))
	s.mux.Handle("DELETE /api/channels/{id}", authed(s.apiDeleteChannel))
}

// ctxKey avoids collisions in request context values.
type ctxKey int

const userContextKey ctxKey = iota

// requireAuth resolves the session cookie or a Bearer API key and
// attaches the user to the request context. Both failures map to 401;
// the response never says which part of the credential was wrong.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, u)))
	})
}

func (s *Server) authenticate(r *http.Request) (*store.User, error) {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return s.deps.Auth.ValidateAPIKey(h[7:])
	}
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, auth.ErrSessionInvalid
	}
	return s.deps.Auth.Validate(c.Value, clientIP(r))
}

// currentUser returns the authenticated user attached by requireAuth.
func currentUser(r *http.Request) *store.User {
	u, _ := r.Context().Value(userContextKey).(*store.User)
	return u
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store error kinds onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrIntegrity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrPrefsTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		s.deps.Log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads the request body into v, rejecting unknown noise.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
