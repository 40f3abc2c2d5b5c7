// Package adapters defines the direct provider adapter contract and the HTTP
// plumbing shared by the Gmail, Slack and Sheets clients.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"autopilot/internal/action"
	"autopilot/internal/credentials"
)

// Adapter executes one tool's actions against its provider. Execute never panics
// on provider failures; every failure is a Result with Success false.
type Adapter interface {
	Tool() string
	// Provider is the credential key the adapter resolves, or "" when the adapter
	// runs on process-level configuration.
	Provider() string
	Actions() []string
	Configured() bool
	Execute(ctx context.Context, userID, actionName string, params map[string]any) action.Result
}

type CredentialSource interface {
	Get(ctx context.Context, userID, provider string) (*credentials.Tokens, error)
}

func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// NotConnected is the remediation result for a missing credential.
func NotConnected(format string, args ...any) action.Result {
	return action.Fail(action.CodeNotConnected, format, args...)
}

// ResolveToken looks up the user's access token. ok is false when the returned
// result should be handed back to the caller as is.
func ResolveToken(ctx context.Context, src CredentialSource, userID, provider string, notConnected action.Result) (string, action.Result, bool) {
	tokens, err := src.Get(ctx, userID, provider)
	if err != nil {
		return "", action.Fail(action.CodeExecutionFailed, "load %s credential: %v", provider, err), false
	}
	if tokens == nil || tokens.AccessToken == "" {
		return "", notConnected, false
	}
	return tokens.AccessToken, action.Result{}, true
}

// BearerClient wraps base so every request carries the user's access token.
func BearerClient(ctx context.Context, base *http.Client, accessToken string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
}

// DoJSON sends body as JSON (when non-nil) and decodes a JSON reply into out.
// Non-2xx replies are not an error; the caller inspects the status.
func DoJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func Success(status int) bool {
	return status >= 200 && status <= 299
}

// GoogleError is the error body shared by the Gmail and Sheets APIs.
type GoogleError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g GoogleError) MessageOr(fallback string) string {
	if g.Error != nil && g.Error.Message != "" {
		return g.Error.Message
	}
	return fallback
}
