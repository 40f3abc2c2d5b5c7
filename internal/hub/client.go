// Package hub is the client for the third-party integration hub: remote action
// execution and the connection lifecycle behind one fixed REST port.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autopilot/internal/action"
	"autopilot/internal/metrics"
	"autopilot/internal/storage"
)

var (
	ErrNotConfigured     = errors.New("integration hub API key not configured")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrNotFound          = errors.New("hub resource not found")
)

type ConnectionStore interface {
	UpsertConnection(ctx context.Context, c storage.Connection) error
	UpdateConnectionStatus(ctx context.Context, externalAccountID, status string) error
	GetConnection(ctx context.Context, userID, externalAccountID string) (storage.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]storage.Connection, error)
	DeleteConnection(ctx context.Context, userID, externalAccountID string) error
}

type Config struct {
	APIKey       string
	BaseURL      string
	CallbackURL  string
	ConnectURL   string
	FrontendURL  string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Store        ConnectionStore
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Client struct {
	apiKey       string
	baseURL      string
	callbackURL  string
	connectURL   string
	frontendURL  string
	pollInterval time.Duration
	http         *http.Client
	store        ConnectionStore
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		callbackURL:  cfg.CallbackURL,
		connectURL:   strings.TrimRight(cfg.ConnectURL, "/"),
		frontendURL:  strings.TrimRight(cfg.FrontendURL, "/"),
		pollInterval: cfg.PollInterval,
		http:         cfg.HTTPClient,
		store:        cfg.Store,
		logger:       cfg.Logger.With().Str("component", "hub").Logger(),
		metrics:      cfg.Metrics,
	}
}

func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type ExecuteRequest struct {
	Platform      string
	Action        string
	Params        map[string]any
	ConnectionKey string
}

// ExecuteAction runs one action on the hub. Failures are returned as results.
func (c *Client) ExecuteAction(ctx context.Context, req ExecuteRequest, userID string) action.Result {
	if !c.Configured() {
		return action.Fail(action.CodeNotConfigured, "Integration hub API key not configured. Please set HUB_API_KEY.")
	}
	connectionKey := req.ConnectionKey
	if connectionKey == "" {
		connectionKey = userID
	}
	input := req.Params
	if input == nil {
		input = map[string]any{}
	}
	fallback := fmt.Sprintf("Failed to execute %s on %s", req.Action, req.Platform)

	var body map[string]any
	status, err := c.do(ctx, http.MethodPost, "/actions/execute", map[string]any{
		"actionKey":     ActionKey(req.Platform, req.Action),
		"connectionKey": connectionKey,
		"input":         input,
	}, &body)
	if err != nil {
		c.metrics.HubCalls.WithLabelValues("execute", "error").Inc()
		return action.Fail(action.CodeExecutionFailed, "%s: %v", fallback, err)
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden || codeOf(body) == string(action.CodeAuthRequired) {
		c.metrics.HubCalls.WithLabelValues("execute", "auth_required").Inc()
		res := action.Fail(action.CodeAuthRequired, "%s", messageOf(body, fmt.Sprintf("Connect %s to continue", req.Platform)))
		res.Toolkit = req.Platform
		return res
	}
	if status < 200 || status > 299 {
		c.metrics.HubCalls.WithLabelValues("execute", "failed").Inc()
		return action.Fail(action.CodeExecutionFailed, "%s", messageOf(body, fallback))
	}

	c.metrics.HubCalls.WithLabelValues("execute", "ok").Inc()
	return action.OK(fmt.Sprintf("%s executed successfully on %s", req.Action, req.Platform), map[string]any{
		"data": body,
	})
}

// GenerateAuthKitToken requests a short-lived token for the hosted connect widget.
func (c *Client) GenerateAuthKitToken(ctx context.Context, userID, email string) (map[string]any, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var out map[string]any
	status, err := c.do(ctx, http.MethodPost, "/authkit/token", map[string]string{
		"userId":    userID,
		"userEmail": email,
	}, &out)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("authkit token: %s", messageOf(out, fmt.Sprintf("status %d", status)))
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal hub request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("build hub request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hub request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read hub response: %w", err)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp.StatusCode, fmt.Errorf("decode hub response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func messageOf(body map[string]any, fallback string) string {
	for _, key := range []string{"message", "error"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func codeOf(body map[string]any) string {
	s, _ := body["code"].(string)
	return strings.ToUpper(s)
}
