// Package webhook receives signed event deliveries from the integration hub.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"autopilot/internal/metrics"
)

const (
	SignaturePrefix = "v1,"

	HeaderSignature = "webhook-signature"
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
)

// Event is one hub delivery. It is consumed once and never persisted.
type Event struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Timestamp  string         `json:"timestamp"`
	LogID      string         `json:"log_id"`
	DeliveryID string         `json:"delivery_id,omitempty"`
}

type Handler func(ctx context.Context, ev Event) error

// Deduper reports whether a delivery id is seen for the first time.
type Deduper interface {
	MarkFirst(ctx context.Context, deliveryID string) (bool, error)
}

// Publisher hands verified events to an asynchronous consumer.
type Publisher interface {
	Publish(ctx context.Context, ev Event) (string, error)
}

type Config struct {
	Secret       string
	Production   bool
	MaxBodyBytes int64
	Deduper      Deduper
	Publisher    Publisher
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Receiver struct {
	secret       []byte
	production   bool
	maxBodyBytes int64
	deduper      Deduper
	publisher    Publisher
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string][]Handler
}

func New(cfg Config) *Receiver {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Receiver{
		secret:       []byte(cfg.Secret),
		production:   cfg.Production,
		maxBodyBytes: cfg.MaxBodyBytes,
		deduper:      cfg.Deduper,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger.With().Str("component", "webhook").Logger(),
		metrics:      cfg.Metrics,
		handlers:     map[string][]Handler{},
	}
}

// On registers handler for events of eventType.
func (r *Receiver) On(eventType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// VerifySignature checks a "v1,<base64>" HMAC-SHA256 over "{id}.{timestamp}.{body}".
// Without a secret, deliveries are accepted outside production and rejected in it.
func (r *Receiver) VerifySignature(signature, webhookID, timestamp string, body []byte) bool {
	if len(r.secret) == 0 {
		if r.production {
			r.logger.Error().Msg("webhook secret not configured, rejecting delivery")
			return false
		}
		r.logger.Warn().Msg("webhook secret not configured, skipping signature verification")
		return true
	}
	if signature == "" || webhookID == "" || timestamp == "" {
		return false
	}
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}
	received := strings.TrimPrefix(signature, SignaturePrefix)
	expected := Sign(r.secret, webhookID, timestamp, body)
	return subtle.ConstantTimeCompare([]byte(received), []byte(expected)) == 1
}

// Sign returns the base64 signature for a delivery, without the version prefix.
func Sign(secret []byte, webhookID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(webhookID))
	mac.Write([]byte{'.'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Handle runs every handler registered for the event type. Handler errors and
// panics are logged and never stop the remaining handlers.
func (r *Receiver) Handle(ctx context.Context, ev Event) {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[ev.Type]...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Info().
			Str("type", ev.Type).
			Str("log_id", ev.LogID).
			Str("timestamp", ev.Timestamp).
			Msg("webhook event received with no handlers")
		r.metrics.WebhookEvents.WithLabelValues("unhandled").Inc()
		return
	}

	for i, h := range handlers {
		if err := r.runHandler(ctx, h, ev); err != nil {
			r.metrics.HandlerFailures.Inc()
			r.logger.Error().Err(err).Str("type", ev.Type).Int("handler", i).Msg("webhook handler failed")
		}
	}
	r.metrics.WebhookEvents.WithLabelValues("handled").Inc()
}

func (r *Receiver) runHandler(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, ev)
}

type Status struct {
	Configured bool   `json:"configured"`
	Message    string `json:"message"`
}

func (r *Receiver) Status() Status {
	switch {
	case len(r.secret) > 0:
		return Status{Configured: true, Message: "Webhook signature verification is enabled"}
	case r.production:
		return Status{Configured: false, Message: "Webhook secret not configured. Deliveries are rejected in production."}
	default:
		return Status{Configured: false, Message: "Webhook secret not configured. Signature verification is skipped in development."}
	}
}
