package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"autopilot/internal/action"
	"autopilot/internal/adapters/gmail"
	"autopilot/internal/adapters/slack"
	"autopilot/internal/config"
	"autopilot/internal/credentials"
)

type tokenSource map[string]string

func (s tokenSource) Get(_ context.Context, _ string, provider string) (*credentials.Tokens, error) {
	tok, ok := s[provider]
	if !ok {
		return nil, nil
	}
	return &credentials.Tokens{AccessToken: tok}, nil
}

func TestSendEmailPromptReachesGmail(t *testing.T) {
	var calls int32
	raws := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/messages/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ya29.token" {
			t.Errorf("unexpected authorization %q", got)
		}
		var body struct {
			Raw string `json:"raw"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		raws <- body.Raw
		_, _ = w.Write([]byte(`{"id":"msg-42","threadId":"th-1"}`))
	}))
	defer srv.Close()

	tbl, err := NewTable(gmail.New(gmail.Config{
		Credentials: tokenSource{"gmail": "ya29.token"},
		BaseURL:     srv.URL,
		HTTPClient:  srv.Client(),
		Logger:      zerolog.Nop(),
	}))
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	req := action.Request{
		Intent:     "Send an email",
		Tool:       "gmail",
		Action:     "send_email",
		Parameters: map[string]any{"to": "a@b.com", "subject": "Hi", "body": "hi"},
	}
	rec := &memRecorder{}
	d := New(Config{Analyzer: fakeAnalyzer{req: req}, Table: tbl, Strategy: config.DispatchDirect, Executions: rec, Logger: zerolog.Nop()})

	out, err := d.Execute(context.Background(), "u1", "Send an email to a@b.com saying hi")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Result.Success || out.Result.Data["messageId"] != "msg-42" {
		t.Fatalf("unexpected result: %+v", out.Result)
	}
	if out.Analysis.Strategy != StrategyDirect {
		t.Fatalf("expected direct strategy, got %q", out.Analysis.Strategy)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected one provider call, got %d", n)
	}
	msg, err := base64.RawURLEncoding.DecodeString(<-raws)
	if err != nil || !strings.Contains(string(msg), "To: a@b.com") {
		t.Fatalf("unexpected raw message %q: %v", msg, err)
	}
	if len(rec.rows) != 1 || !rec.rows[0].Success {
		t.Fatalf("expected one successful execution row, got %+v", rec.rows)
	}
}

func TestSlackPromptWithoutCredentialMakesNoCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tbl, err := NewTable(slack.New(slack.Config{
		Credentials: tokenSource{},
		BaseURL:     srv.URL,
		HTTPClient:  srv.Client(),
		Logger:      zerolog.Nop(),
	}))
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	req := action.Request{
		Intent:     "Post to Slack",
		Tool:       "slack",
		Action:     "send_message",
		Parameters: map[string]any{"channel": "#general", "message": "hello"},
	}
	d := New(Config{Analyzer: fakeAnalyzer{req: req}, Table: tbl, Strategy: config.DispatchDirect, Logger: zerolog.Nop()})

	out, err := d.Execute(context.Background(), "u1", "Tell #general hello on Slack")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Result.Success || out.Result.Code != action.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED, got %+v", out.Result)
	}
	if !strings.Contains(strings.ToLower(out.Result.Error), "not connected") {
		t.Fatalf("unexpected error %q", out.Result.Error)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("expected no provider calls, got %d", n)
	}
}
