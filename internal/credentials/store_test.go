package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"autopilot/internal/crypto"
	"autopilot/internal/storage"
)

func newTestStore(t *testing.T, refreshers map[string]*oauth2.Config, now time.Time) (*Store, *storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "creds.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	key, _ := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	return New(Config{
		Repo:       st,
		Cipher:     cm,
		Refreshers: refreshers,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return now },
	}), st
}

func TestGetMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t, nil, time.Now())
	tok, err := s.Get(context.Background(), "u1", "gmail")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok != nil {
		t.Fatalf("expected nil tokens, got %+v", tok)
	}
}

func TestSaveEncryptsAndReplaces(t *testing.T) {
	ctx := context.Background()
	s, st := newTestStore(t, nil, time.Now())

	if _, err := s.Save(ctx, NewCredential{UserID: "u1", Provider: "slack", DisplayName: "Slack - old", AccessToken: "xoxb-old"}); err != nil {
		t.Fatalf("save old: %v", err)
	}
	sum, err := s.Save(ctx, NewCredential{UserID: "u1", Provider: "slack", DisplayName: "Slack - new", AccessToken: "xoxb-new", RefreshToken: "r1"})
	if err != nil {
		t.Fatalf("save new: %v", err)
	}
	if sum.ID == "" || sum.DisplayName != "Slack - new" {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	row, err := st.FirstCredentialByProvider(ctx, "u1", "slack")
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if strings.Contains(row.EncAccessToken, "xoxb") {
		t.Fatalf("access token stored in plaintext")
	}

	tok, err := s.Get(ctx, "u1", "slack")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok.AccessToken != "xoxb-new" || tok.RefreshToken != "r1" {
		t.Fatalf("unexpected tokens: %+v", tok)
	}

	list, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected reconnect to replace, got %d credentials", len(list))
	}
	if err := s.Delete(ctx, "u1", list[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestGetMovesTokensToCurrentKey(t *testing.T) {
	ctx := context.Background()
	old, st := newTestStore(t, nil, time.Now())
	if _, err := old.Save(ctx, NewCredential{UserID: "u1", Provider: "gmail", AccessToken: "ya29.a", RefreshToken: "1//r"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	k1, _ := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	k2, _ := base64.StdEncoding.DecodeString("AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")
	cm, err := crypto.NewManager("k2", map[string][]byte{"k1": k1, "k2": k2})
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	s := New(Config{Repo: st, Cipher: cm, Logger: zerolog.Nop()})

	tok, err := s.Get(ctx, "u1", "gmail")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok.AccessToken != "ya29.a" || tok.RefreshToken != "1//r" {
		t.Fatalf("unexpected tokens: %+v", tok)
	}

	row, err := st.FirstCredentialByProvider(ctx, "u1", "gmail")
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	for name, raw := range map[string]string{"access": row.EncAccessToken, "refresh": *row.EncRefreshToken} {
		var env crypto.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			t.Fatalf("%s envelope: %v", name, err)
		}
		if env.KeyID != "k2" {
			t.Fatalf("expected %s token on key k2, got %q", name, env.KeyID)
		}
	}

	again, err := s.Get(ctx, "u1", "gmail")
	if err != nil || again.AccessToken != "ya29.a" {
		t.Fatalf("second get: %+v %v", again, err)
	}
}

func TestGetRefreshesExpiredToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-1" {
			t.Errorf("unexpected refresh form: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conf := &oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	s, _ := newTestStore(t, map[string]*oauth2.Config{"gmail": conf}, now)

	ctx := context.Background()
	past := now.Add(-time.Hour)
	if _, err := s.Save(ctx, NewCredential{UserID: "u1", Provider: "gmail", AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresAt: &past}); err != nil {
		t.Fatalf("save: %v", err)
	}

	tok, err := s.Get(ctx, "u1", "gmail")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok.AccessToken != "access-2" || tok.RefreshToken != "refresh-1" {
		t.Fatalf("expected refreshed token, got %+v", tok)
	}
	if tok.ExpiresAt == nil || !tok.ExpiresAt.After(now) {
		t.Fatalf("expected future expiry, got %v", tok.ExpiresAt)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one refresh call, got %d", calls)
	}
}

func TestGetKeepsStaleTokenWhenRefreshFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	now := time.Now()
	conf := &oauth2.Config{ClientID: "cid", Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}}
	s, _ := newTestStore(t, map[string]*oauth2.Config{"gmail": conf}, now)

	ctx := context.Background()
	past := now.Add(-time.Hour)
	if _, err := s.Save(ctx, NewCredential{UserID: "u1", Provider: "gmail", AccessToken: "stale", RefreshToken: "revoked", ExpiresAt: &past}); err != nil {
		t.Fatalf("save: %v", err)
	}
	tok, err := s.Get(ctx, "u1", "gmail")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok.AccessToken != "stale" {
		t.Fatalf("expected stale token back, got %q", tok.AccessToken)
	}
}
