package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"autopilot/internal/credentials"
	"autopilot/internal/hub"
	"autopilot/internal/llm"
	"autopilot/internal/oauth"
	"autopilot/internal/rpc"
	"autopilot/internal/storage"
	"autopilot/internal/webhook"
)

type fakeRPC struct {
	userID string
}

func (f *fakeRPC) Handle(_ context.Context, userID string, req rpc.Request) rpc.Response {
	f.userID = userID
	return rpc.Response{Success: true, Data: req.Method}
}

type fakeWebhooks struct {
	hits int
}

func (f *fakeWebhooks) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.hits++
	w.WriteHeader(http.StatusOK)
}

func (f *fakeWebhooks) Status() webhook.Status {
	return webhook.Status{Configured: true, Message: "ok"}
}

type fakeOAuth struct{}

func (fakeOAuth) AuthorizeURL(provider, userID string) (string, error) {
	if provider != "gmail" {
		return "", oauth.ErrUnknownProvider
	}
	return "https://accounts.example.com/auth?user=" + userID, nil
}

func (fakeOAuth) Callback(_ context.Context, provider, code, _ string) (oauth.Connected, error) {
	if code == "" {
		return oauth.Connected{}, oauth.ErrMissingCode
	}
	return oauth.Connected{Provider: provider, DisplayName: "me@example.com"}, nil
}

type fakeCreds struct{}

func (fakeCreds) List(_ context.Context, userID string) ([]credentials.Summary, error) {
	return []credentials.Summary{{ID: "c1", Provider: "gmail"}}, nil
}

func (fakeCreds) Delete(_ context.Context, _ string, id string) error {
	if id != "c1" {
		return storage.ErrNotFound
	}
	return nil
}

type fakeHub struct {
	err   error
	owner string
}

func (f fakeHub) InitiateConnection(_ context.Context, userID, platform string) (hub.Initiation, error) {
	return hub.Initiation{ConnectionID: "conn-1", RedirectURL: "https://connect/" + platform}, f.err
}

func (f fakeHub) UserConnections(_ context.Context, _ string) ([]hub.ConnectionView, error) {
	return nil, f.err
}

func (f fakeHub) DeleteConnection(_ context.Context, _, _ string) error {
	return f.err
}

func (f fakeHub) WaitForConnection(_ context.Context, userID, id string, _ time.Duration) (hub.RemoteConnection, error) {
	if f.owner != "" && userID != f.owner {
		return hub.RemoteConnection{}, hub.ErrNotFound
	}
	return hub.RemoteConnection{ID: id, Status: "ACTIVE"}, f.err
}

func (f fakeHub) GenerateAuthKitToken(_ context.Context, userID, email string) (map[string]any, error) {
	return map[string]any{"token": "tk", "email": email}, f.err
}

type fakeExecutions struct{}

func (fakeExecutions) ListExecutions(_ context.Context, userID string, limit int) ([]storage.Execution, error) {
	return []storage.Execution{{ID: "e1", UserID: userID, Tool: "gmail", Success: true}}, nil
}

type fakeStreamer struct {
	fragments []string
	err       error
	got       llm.ChatRequest
}

func (f *fakeStreamer) Stream(_ context.Context, req llm.ChatRequest, emit func(string) error) error {
	f.got = req
	for _, frag := range f.fragments {
		if err := emit(frag); err != nil {
			return err
		}
	}
	return f.err
}

type testDeps struct {
	rpc      *fakeRPC
	webhooks *fakeWebhooks
	chat     *fakeStreamer
}

func newTestServer(cfg Config) (http.Handler, testDeps) {
	d := testDeps{rpc: &fakeRPC{}, webhooks: &fakeWebhooks{}, chat: &fakeStreamer{}}
	cfg.RPC = d.rpc
	cfg.Webhooks = d.webhooks
	cfg.OAuth = fakeOAuth{}
	cfg.Credentials = fakeCreds{}
	if cfg.Hub == nil {
		cfg.Hub = fakeHub{}
	}
	cfg.Executions = fakeExecutions{}
	cfg.Chat = d.chat
	cfg.FrontendURL = "https://app.example.com"
	cfg.Logger = zerolog.Nop()
	return New(cfg), d
}

func signToken(t *testing.T, secret, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func do(h http.Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndPublicRoutes(t *testing.T) {
	h, deps := newTestServer(Config{})
	if rec := do(h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodPost, "/webhooks/hub", "{}", nil); rec.Code != http.StatusOK || deps.webhooks.hits != 1 {
		t.Fatalf("webhook not delegated: %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/hub/platforms", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "google-sheets") {
		t.Fatalf("unexpected platforms %s", rec.Body.String())
	}
}

func TestJWTIdentity(t *testing.T) {
	h, deps := newTestServer(Config{JWTSecret: "s3cret", Production: true})

	rec := do(h, http.MethodPost, "/mcp", `{"method":"tools/list"}`, map[string]string{"Authorization": "Bearer " + signToken(t, "s3cret", "u-jwt")})
	if rec.Code != http.StatusOK || deps.rpc.userID != "u-jwt" {
		t.Fatalf("unexpected %d user=%q", rec.Code, deps.rpc.userID)
	}
	rec = do(h, http.MethodPost, "/mcp", `{"method":"tools/list"}`, map[string]string{"Authorization": "Bearer " + signToken(t, "other", "u-jwt")})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature should be rejected, got %d", rec.Code)
	}
	rec = do(h, http.MethodPost, "/mcp", `{"method":"tools/list"}`, map[string]string{"X-User-ID": "spoof"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("X-User-ID must not work when a secret is set, got %d", rec.Code)
	}
}

func TestDevelopmentIdentity(t *testing.T) {
	h, deps := newTestServer(Config{})
	rec := do(h, http.MethodPost, "/mcp", `{"method":"tools/list"}`, map[string]string{"X-User-ID": "u-dev"})
	if rec.Code != http.StatusOK || deps.rpc.userID != "u-dev" {
		t.Fatalf("unexpected %d user=%q", rec.Code, deps.rpc.userID)
	}

	prod, _ := newTestServer(Config{Production: true})
	if rec := do(prod, http.MethodGet, "/credentials", "", map[string]string{"X-User-ID": "u-dev"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("production without a secret must reject, got %d", rec.Code)
	}
}

func TestOAuthRoutes(t *testing.T) {
	h, _ := newTestServer(Config{})
	rec := do(h, http.MethodGet, "/oauth/gmail/authorize?userId=u1", "", nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://accounts.example.com/auth?user=u1" {
		t.Fatalf("unexpected redirect %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if rec := do(h, http.MethodGet, "/oauth/notion/authorize?userId=u1", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider should be 400, got %d", rec.Code)
	}

	rec = do(h, http.MethodGet, "/oauth/gmail/callback?code=abc&state=x", "", nil)
	if !strings.Contains(rec.Body.String(), "oauth_success") {
		t.Fatalf("unexpected callback page %s", rec.Body.String())
	}
	rec = do(h, http.MethodGet, "/oauth/gmail/callback?error=access_denied", "", nil)
	if !strings.Contains(rec.Body.String(), "oauth_error") || !strings.Contains(rec.Body.String(), "access_denied") {
		t.Fatalf("unexpected error page %s", rec.Body.String())
	}
}

func TestCredentialRoutes(t *testing.T) {
	h, _ := newTestServer(Config{})
	user := map[string]string{"X-User-ID": "u1"}
	if rec := do(h, http.MethodGet, "/credentials", "", user); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Fatalf("unexpected list %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodDelete, "/credentials/c1", "", user); rec.Code != http.StatusOK {
		t.Fatalf("unexpected delete %d", rec.Code)
	}
	if rec := do(h, http.MethodDelete, "/credentials/missing", "", user); rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected delete %d", rec.Code)
	}
}

func TestHubRoutes(t *testing.T) {
	h, _ := newTestServer(Config{})
	user := map[string]string{"X-User-ID": "u1"}

	rec := do(h, http.MethodPost, "/hub/connect", `{"platform":"sheets"}`, user)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "https://connect/google-sheets") {
		t.Fatalf("unexpected connect %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodPost, "/hub/connect", `{}`, user); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing platform should be 400, got %d", rec.Code)
	}
	rec = do(h, http.MethodPost, "/hub/connections/conn-1/wait?timeoutSeconds=5", "", user)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ACTIVE"`) {
		t.Fatalf("unexpected wait %d %s", rec.Code, rec.Body.String())
	}
	rec = do(h, http.MethodPost, "/hub/authkit/token", `{"email":"a@b.com"}`, user)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "a@b.com") {
		t.Fatalf("unexpected authkit %d %s", rec.Code, rec.Body.String())
	}

	rec = do(h, http.MethodGet, "/hub/callback?status=success&connection_id=conn-1", "", nil)
	if loc := rec.Header().Get("Location"); rec.Code != http.StatusFound || loc != "https://app.example.com/credentials?connection_id=conn-1&hub_success=true" {
		t.Fatalf("unexpected callback redirect %d %q", rec.Code, loc)
	}
}

func TestHubErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{hub.ErrNotConfigured, http.StatusServiceUnavailable},
		{hub.ErrNotFound, http.StatusNotFound},
		{hub.ErrConnectionTimeout, http.StatusGatewayTimeout},
		{&hub.ConnectionFailedError{ID: "c", Status: "FAILED"}, http.StatusConflict},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		h, _ := newTestServer(Config{Hub: fakeHub{err: tc.err}})
		rec := do(h, http.MethodPost, "/hub/connections/c/wait", "", map[string]string{"X-User-ID": "u1"})
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}

func TestHubWaitUsesCallerIdentity(t *testing.T) {
	h, _ := newTestServer(Config{Hub: fakeHub{owner: "alice"}})
	if rec := do(h, http.MethodPost, "/hub/connections/ca_alice/wait", "", map[string]string{"X-User-ID": "alice"}); rec.Code != http.StatusOK {
		t.Fatalf("owner wait: %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/hub/connections/ca_alice/wait", "", map[string]string{"X-User-ID": "mallory"}); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign wait should be 404, got %d", rec.Code)
	}
}

func TestExecutions(t *testing.T) {
	h, _ := newTestServer(Config{})
	rec := do(h, http.MethodGet, "/executions", "", map[string]string{"X-User-ID": "u1"})
	var body struct {
		Executions []executionView `json:"executions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Executions) != 1 || body.Executions[0].Tool != "gmail" {
		t.Fatalf("unexpected executions %s", rec.Body.String())
	}
}

func TestChatStream(t *testing.T) {
	h, deps := newTestServer(Config{ChatModel: "gpt-test"})
	deps.chat.fragments = []string{"Hel", "lo"}

	body := `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hey"},{"role":"user","content":"say hello"}]}`
	rec := do(h, http.MethodPost, "/agent/chat/stream", body, map[string]string{"X-User-ID": "u1"})
	want := "data: {\"type\":\"text\",\"content\":\"Hel\"}\n\n" +
		"data: {\"type\":\"text\",\"content\":\"lo\"}\n\n" +
		"data: {\"type\":\"done\"}\n\n" +
		"data: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected stream:\n%s", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if deps.chat.got.UserPrompt != "say hello" || len(deps.chat.got.History) != 2 || deps.chat.got.Model != "gpt-test" {
		t.Fatalf("unexpected chat request %+v", deps.chat.got)
	}
}

func TestChatStreamError(t *testing.T) {
	h, deps := newTestServer(Config{})
	deps.chat.fragments = []string{"partial"}
	deps.chat.err = errors.New("upstream closed")

	rec := do(h, http.MethodPost, "/agent/chat/stream", `{"messages":[{"role":"user","content":"hi"}]}`, map[string]string{"X-User-ID": "u1"})
	out := rec.Body.String()
	if !strings.Contains(out, `"content":"partial"`) || !strings.HasSuffix(out, "data: {\"type\":\"error\",\"error\":\"upstream closed\"}\n\n") {
		t.Fatalf("unexpected stream %q", out)
	}
	if strings.Contains(out, "[DONE]") {
		t.Fatalf("failed stream must not report completion")
	}

	rec = do(h, http.MethodPost, "/agent/chat/stream", `{"messages":[{"role":"assistant","content":"hi"}]}`, map[string]string{"X-User-ID": "u1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a trailing user message, got %d", rec.Code)
	}
}
