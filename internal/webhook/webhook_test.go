package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

const testSecret = "whsec-test"

func newReceiver(cfg Config) *Receiver {
	cfg.Logger = zerolog.Nop()
	return New(cfg)
}

func TestVerifySignature(t *testing.T) {
	r := newReceiver(Config{Secret: testSecret})
	body := []byte(`{"type":"connection.updated"}`)
	sig := SignaturePrefix + Sign([]byte(testSecret), "msg_1", "1700000000", body)

	if !r.VerifySignature(sig, "msg_1", "1700000000", body) {
		t.Fatalf("valid signature rejected")
	}
	cases := map[string][]string{
		"tampered body":  {sig, "msg_1", "1700000000", `{"type":"other"}`},
		"wrong id":       {sig, "msg_2", "1700000000", string(body)},
		"no prefix":      {Sign([]byte(testSecret), "msg_1", "1700000000", body), "msg_1", "1700000000", string(body)},
		"missing header": {sig, "", "1700000000", string(body)},
		"garbage":        {"v1,AAAA", "msg_1", "1700000000", string(body)},
	}
	for name, c := range cases {
		if r.VerifySignature(c[0], c[1], c[2], []byte(c[3])) {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestVerifySignatureRejectsAnyByteChange(t *testing.T) {
	r := newReceiver(Config{Secret: testSecret})
	body := []byte(`{"type":"connection.updated"}`)
	const id, ts = "msg_1", "1700000000"
	sig := SignaturePrefix + Sign([]byte(testSecret), id, ts, body)

	flip := func(s string, i int) string {
		b := []byte(s)
		b[i] ^= 0x01
		return string(b)
	}
	for i := range ts {
		if r.VerifySignature(sig, id, flip(ts, i), body) {
			t.Fatalf("timestamp with byte %d changed was accepted", i)
		}
	}
	for i := range id {
		if r.VerifySignature(sig, flip(id, i), ts, body) {
			t.Fatalf("id with byte %d changed was accepted", i)
		}
	}
	for i := range body {
		if r.VerifySignature(sig, id, ts, []byte(flip(string(body), i))) {
			t.Fatalf("body with byte %d changed was accepted", i)
		}
	}
	if r.VerifySignature(sig, id, ts+"0", body) || r.VerifySignature(sig, id, "", body) {
		t.Fatalf("timestamp length change was accepted")
	}
}

func TestVerifySignatureWithoutSecret(t *testing.T) {
	dev := newReceiver(Config{})
	if !dev.VerifySignature("", "", "", nil) {
		t.Fatalf("development should skip verification")
	}
	prod := newReceiver(Config{Production: true})
	if prod.VerifySignature("v1,x", "id", "ts", nil) {
		t.Fatalf("production without secret must reject")
	}
	if prod.Status().Configured || !newReceiver(Config{Secret: "s"}).Status().Configured {
		t.Fatalf("unexpected status")
	}
}

func TestHandleIsolatesHandlerFailures(t *testing.T) {
	r := newReceiver(Config{})
	var calls []string
	r.On("connection.updated", func(ctx context.Context, ev Event) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	r.On("connection.updated", func(ctx context.Context, ev Event) error {
		calls = append(calls, "second")
		panic("kaboom")
	})
	r.On("connection.updated", func(ctx context.Context, ev Event) error {
		calls = append(calls, "third")
		return nil
	})
	r.On("other", func(ctx context.Context, ev Event) error {
		calls = append(calls, "other")
		return nil
	})

	r.Handle(context.Background(), Event{Type: "connection.updated"})
	if len(calls) != 3 || calls[2] != "third" {
		t.Fatalf("unexpected calls %v", calls)
	}
	// no handler registered: default logging path, nothing else runs
	r.Handle(context.Background(), Event{Type: "unknown"})
	if len(calls) != 3 {
		t.Fatalf("unexpected calls %v", calls)
	}
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) MarkFirst(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) (string, error) {
	p.events = append(p.events, ev)
	return "1-0", nil
}

func signedRequest(body, id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/hub", bytes.NewBufferString(body))
	req.Header.Set(HeaderID, id)
	req.Header.Set(HeaderTimestamp, "1700000000")
	req.Header.Set(HeaderSignature, SignaturePrefix+Sign([]byte(testSecret), id, "1700000000", []byte(body)))
	return req
}

func TestServeHTTP(t *testing.T) {
	r := newReceiver(Config{Secret: testSecret, Deduper: &memDeduper{seen: map[string]bool{}}})
	var handled int
	r.On("connection.updated", func(ctx context.Context, ev Event) error {
		if ev.Data["connectionId"] != "c1" || ev.LogID != "log-1" || ev.DeliveryID != "msg_1" {
			t.Errorf("unexpected event %+v", ev)
		}
		handled++
		return nil
	})
	body := `{"type":"connection.updated","data":{"connectionId":"c1","status":"ACTIVE"},"timestamp":"2026-01-01T00:00:00Z","log_id":"log-1"}`

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, signedRequest(body, "msg_1"))
	if rec.Code != http.StatusOK || handled != 1 {
		t.Fatalf("unexpected response %d %s handled=%d", rec.Code, rec.Body.String(), handled)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, signedRequest(body, "msg_1"))
	if rec.Code != http.StatusOK || handled != 1 {
		t.Fatalf("duplicate should be acknowledged without dispatch: %d handled=%d", rec.Code, handled)
	}

	bad := signedRequest(body, "msg_2")
	bad.Header.Set(HeaderSignature, "v1,invalid")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, bad)
	if rec.Code != http.StatusUnauthorized || handled != 1 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestServeHTTPPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	r := newReceiver(Config{Secret: testSecret, Publisher: pub})
	r.On("connection.updated", func(ctx context.Context, ev Event) error {
		t.Errorf("handler should not run inline when a publisher is set")
		return nil
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, signedRequest(`{"type":"connection.updated","data":{}}`, "msg_9"))
	if rec.Code != http.StatusOK || len(pub.events) != 1 || pub.events[0].DeliveryID != "msg_9" {
		t.Fatalf("unexpected publish state %d %+v", rec.Code, pub.events)
	}
}
