// Package server is the HTTP surface: the tool-calling endpoint, the hub
// webhook, the OAuth connect flow, hub connection management, chat streaming
// and execution history.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"autopilot/internal/credentials"
	"autopilot/internal/hub"
	"autopilot/internal/llm"
	"autopilot/internal/oauth"
	"autopilot/internal/rpc"
	"autopilot/internal/storage"
	"autopilot/internal/webhook"
)

type RPC interface {
	Handle(ctx context.Context, userID string, req rpc.Request) rpc.Response
}

type Webhooks interface {
	http.Handler
	Status() webhook.Status
}

type OAuthFlow interface {
	AuthorizeURL(provider, userID string) (string, error)
	Callback(ctx context.Context, provider, code, state string) (oauth.Connected, error)
}

type CredentialStore interface {
	List(ctx context.Context, userID string) ([]credentials.Summary, error)
	Delete(ctx context.Context, userID, id string) error
}

type Hub interface {
	InitiateConnection(ctx context.Context, userID, platform string) (hub.Initiation, error)
	UserConnections(ctx context.Context, userID string) ([]hub.ConnectionView, error)
	DeleteConnection(ctx context.Context, userID, id string) error
	WaitForConnection(ctx context.Context, userID, id string, timeout time.Duration) (hub.RemoteConnection, error)
	GenerateAuthKitToken(ctx context.Context, userID, email string) (map[string]any, error)
}

type ExecutionLister interface {
	ListExecutions(ctx context.Context, userID string, limit int) ([]storage.Execution, error)
}

type Config struct {
	Production     bool
	JWTSecret      string
	FrontendURL    string
	HealthPath     string
	MetricsPath    string
	MaxBodyBytes   int64
	HubWaitTimeout time.Duration

	RPC         RPC
	Webhooks    Webhooks
	OAuth       OAuthFlow
	Credentials CredentialStore
	Hub         Hub
	Executions  ExecutionLister
	Chat        llm.Streamer
	ChatModel   string
	ChatTokens  int

	Logger zerolog.Logger
}

type Server struct {
	production     bool
	jwtSecret      []byte
	frontendURL    string
	maxBodyBytes   int64
	hubWaitTimeout time.Duration

	rpc        RPC
	webhooks   Webhooks
	oauth      OAuthFlow
	creds      CredentialStore
	hub        Hub
	executions ExecutionLister
	chat       llm.Streamer
	chatModel  string
	chatTokens int

	logger zerolog.Logger
}

func New(cfg Config) http.Handler {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.HubWaitTimeout <= 0 {
		cfg.HubWaitTimeout = 2 * time.Minute
	}
	s := &Server{
		production:     cfg.Production,
		jwtSecret:      []byte(cfg.JWTSecret),
		frontendURL:    strings.TrimRight(cfg.FrontendURL, "/"),
		maxBodyBytes:   cfg.MaxBodyBytes,
		hubWaitTimeout: cfg.HubWaitTimeout,
		rpc:            cfg.RPC,
		webhooks:       cfg.Webhooks,
		oauth:          cfg.OAuth,
		creds:          cfg.Credentials,
		hub:            cfg.Hub,
		executions:     cfg.Executions,
		chat:           cfg.Chat,
		chatModel:      cfg.ChatModel,
		chatTokens:     cfg.ChatTokens,
		logger:         cfg.Logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.cors)

	r.Get(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	r.Post("/webhooks/hub", s.webhooks.ServeHTTP)
	r.Get("/webhooks/hub/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.webhooks.Status())
	})
	r.Get("/oauth/{provider}/callback", s.oauthCallback)
	r.Get("/hub/callback", s.hubCallback)
	r.Get("/hub/platforms", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"platforms": hub.Platforms()})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/mcp", s.handleRPC)
		r.Get("/oauth/{provider}/authorize", s.oauthAuthorize)

		r.Get("/credentials", s.listCredentials)
		r.Delete("/credentials/{id}", s.deleteCredential)

		r.Post("/hub/connect", s.hubConnect)
		r.Get("/hub/connections", s.hubConnections)
		r.Delete("/hub/connections/{id}", s.hubDeleteConnection)
		r.Post("/hub/connections/{id}/wait", s.hubWaitConnection)
		r.Post("/hub/authkit/token", s.hubAuthKitToken)

		r.Post("/agent/chat/stream", s.chatStream)
		r.Get("/executions", s.listExecutions)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origin == s.frontendURL {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-User-ID")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && origin != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
