package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/hub"
	"autopilot/internal/oauth"
	"autopilot/internal/rpc"
	"autopilot/internal/storage"
)

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req rpc.Request
	if !s.decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.rpc.Handle(r.Context(), id.UserID, req))
}

func (s *Server) oauthAuthorize(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	provider := chi.URLParam(r, "provider")
	target, err := s.oauth.AuthorizeURL(provider, id.UserID)
	switch {
	case errors.Is(err, oauth.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, "Unknown OAuth provider: "+provider)
		return
	case errors.Is(err, oauth.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "OAuth not configured for "+provider)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) oauthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		_ = oauth.RenderError(w, provider, e)
		return
	}
	connected, err := s.oauth.Callback(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", provider).Msg("oauth callback failed")
		_ = oauth.RenderError(w, provider, err.Error())
		return
	}
	_ = oauth.RenderSuccess(w, connected)
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	list, err := s.creds.List(r.Context(), id.UserID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list credentials failed")
		writeError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": list, "total": len(list)})
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	err := s.creds.Delete(r.Context(), id.UserID, chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("delete credential failed")
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) hubConnect(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var body struct {
		Platform string `json:"platform"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	platform := strings.TrimSpace(body.Platform)
	if platform == "" {
		writeError(w, http.StatusBadRequest, "platform is required")
		return
	}
	started, err := s.hub.InitiateConnection(r.Context(), id.UserID, hub.Platform(platform))
	if err != nil {
		s.hubError(w, err, "Failed to initiate connection")
		return
	}
	writeJSON(w, http.StatusOK, started)
}

func (s *Server) hubConnections(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	views, err := s.hub.UserConnections(r.Context(), id.UserID)
	if err != nil {
		s.hubError(w, err, "Failed to fetch connections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views})
}

func (s *Server) hubDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	if err := s.hub.DeleteConnection(r.Context(), id.UserID, chi.URLParam(r, "id")); err != nil {
		s.hubError(w, err, "Failed to delete connection")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) hubWaitConnection(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	timeout := s.hubWaitTimeout
	if raw := r.URL.Query().Get("timeoutSeconds"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && time.Duration(n)*time.Second < timeout {
			timeout = time.Duration(n) * time.Second
		}
	}
	conn, err := s.hub.WaitForConnection(r.Context(), id.UserID, chi.URLParam(r, "id"), timeout)
	if err != nil {
		s.hubError(w, err, "Failed to wait for connection")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": conn})
}

func (s *Server) hubAuthKitToken(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	email := id.Email
	if r.ContentLength != 0 {
		var body struct {
			Email string `json:"email"`
		}
		if !s.decodeJSON(w, r, &body) {
			return
		}
		if email == "" {
			email = body.Email
		}
	}
	tok, err := s.hub.GenerateAuthKitToken(r.Context(), id.UserID, email)
	if err != nil {
		s.hubError(w, err, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) hubCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	connectionID := q.Get("connection_id")
	status := q.Get("status")

	v := url.Values{}
	if status == "success" && connectionID != "" {
		v.Set("hub_success", "true")
		v.Set("connection_id", connectionID)
	} else {
		if status == "" {
			status = "Unknown error"
		}
		v.Set("hub_error", "true")
		v.Set("message", status)
	}
	http.Redirect(w, r, s.frontendURL+"/credentials?"+v.Encode(), http.StatusFound)
}

func (s *Server) hubError(w http.ResponseWriter, err error, fallback string) {
	var failed *hub.ConnectionFailedError
	switch {
	case errors.Is(err, hub.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Integration hub API key not configured. Please set HUB_API_KEY.")
	case errors.Is(err, hub.ErrNotFound):
		writeError(w, http.StatusNotFound, "Connection not found")
	case errors.Is(err, hub.ErrConnectionTimeout):
		writeError(w, http.StatusGatewayTimeout, "Connection timeout")
	case errors.As(err, &failed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg(fallback)
		writeError(w, http.StatusBadGateway, fallback)
	}
}

type executionView struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Tool      string    `json:"tool"`
	Action    string    `json:"action"`
	Strategy  string    `json:"strategy"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	limit := storage.DefaultExecutionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.executions.ListExecutions(r.Context(), id.UserID, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list executions failed")
		writeError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	out := make([]executionView, 0, len(rows))
	for _, e := range rows {
		out = append(out, executionView{
			ID:        e.ID,
			Prompt:    e.Prompt,
			Tool:      e.Tool,
			Action:    e.Action,
			Strategy:  e.Strategy,
			Success:   e.Success,
			Error:     e.Error,
			Code:      e.Code,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}
