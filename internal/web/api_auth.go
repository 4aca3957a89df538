package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/darthnorse/dockmon/internal/alerts"
	"github.com/darthnorse/dockmon/internal/auth"
	"github.com/darthnorse/dockmon/internal/store"
)

// apiLogin checks credentials and sets the session cookie.
func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sess, err := s.deps.Auth.Login(req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.deps.Config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"expires_at": sess.ExpiresAt})
}

// apiLogout destroys the session and clears the cookie.
func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.deps.Auth.Logout(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.deps.Config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// apiMe returns the authenticated user without the password hash.
func (s *Server) apiMe(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       u.ID,
		"username": u.Username,
		"is_admin": u.IsAdmin,
	})
}

func (s *Server) apiChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	err := s.deps.Auth.ChangePassword(currentUser(r).ID, req.OldPassword, req.NewPassword)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusForbidden, "old password incorrect")
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

// apiCreateAPIKey mints a Bearer token. The plaintext appears in this
// response and nowhere else.
func (s *Server) apiCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "key name required")
		return
	}

	plaintext, key, err := s.deps.Auth.IssueAPIKey(currentUser(r).ID, req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    key.ID,
		"name":  key.Name,
		"token": plaintext,
	})
}

func (s *Server) apiDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAPIKey(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// apiCreateRegistrationToken mints an agent enrollment token.
func (s *Server) apiCreateRegistrationToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		TTL  string `json:"ttl,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "token name required")
		return
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	plaintext, err := s.deps.Auth.IssueRegistrationToken(req.Name, ttl)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"name":  req.Name,
		"token": plaintext,
	})
}

// apiIssueActionToken mints a single-use action link token.
func (s *Server) apiIssueActionToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActionType string          `json:"action_type"`
		Params     json.RawMessage `json:"params,omitempty"`
		TTL        string          `json:"ttl,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "action_type required")
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	plaintext, err := s.deps.Tokens.Issue(currentUser(r).ID, req.ActionType, req.Params, ttl)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": plaintext})
}

// apiRedeemAction redeems an action token and performs the action it
// authorizes. The token itself is the credential; no session needed.
func (s *Server) apiRedeemAction(w http.ResponseWriter, r *http.Request) {
	tok, err := s.deps.Tokens.Redeem(r.PathValue("token"), clientIP(r))
	if err != nil {
		// Each failure has its own reason for the audit trail, but the
		// caller only learns that the link no longer works.
		s.deps.Log.Warn("action token rejected", "reason", tokenErrorReason(err), "ip", clientIP(r))
		writeError(w, http.StatusForbidden, "action link is no longer valid")
		return
	}

	switch tok.ActionType {
	case "restart_container":
		var params struct {
			CompositeKey string `json:"composite_key"`
		}
		if err := json.Unmarshal(tok.ActionParams, &params); err != nil || params.CompositeKey == "" {
			writeError(w, http.StatusBadRequest, "malformed action params")
			return
		}
		if err := s.containerAction(r.Context(), params.CompositeKey, "restart"); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "composite_key": params.CompositeKey})

	case "resolve_alert":
		var params struct {
			AlertID string `json:"alert_id"`
		}
		if err := json.Unmarshal(tok.ActionParams, &params); err != nil || params.AlertID == "" {
			writeError(w, http.StatusBadRequest, "malformed action params")
			return
		}
		if err := s.deps.Store.ResolveAlert(params.AlertID); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "alert_id": params.AlertID})

	default:
		writeError(w, http.StatusBadRequest, "unknown action type "+tok.ActionType)
	}
}

// tokenErrorReason maps redemption failures to their audit reasons.
func tokenErrorReason(err error) string {
	switch {
	case errors.Is(err, alerts.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, alerts.ErrTokenUnknown):
		return "unknown"
	case errors.Is(err, alerts.ErrTokenExpired):
		return "expired"
	case errors.Is(err, alerts.ErrTokenUsed):
		return "reused"
	case errors.Is(err, alerts.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, alerts.ErrTokenUserGone):
		return "user gone"
	default:
		return "error"
	}
}

// apiGetPrefs returns the caller's preference blob, {} when unset.
func (s *Server) apiGetPrefs(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.deps.Store.GetUserPrefs(currentUser(r).ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if prefs == nil {
		prefs = json.RawMessage("{}")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(prefs)
}

// apiPutPrefs stores the caller's preference blob. Oversized payloads
// are rejected with 413.
func (s *Server) apiPutPrefs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "preferences too large")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "preferences must be valid JSON")
		return
	}

	if err := s.deps.Store.SaveUserPrefs(currentUser(r).ID, body); err != nil {
		if errors.Is(err, store.ErrPrefsTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
