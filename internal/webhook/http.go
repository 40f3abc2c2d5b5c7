package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// ServeHTTP verifies, deduplicates and dispatches one delivery. Verified
// deliveries are acknowledged with 200 even when a handler fails.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}

	webhookID := req.Header.Get(HeaderID)
	if !r.VerifySignature(req.Header.Get(HeaderSignature), webhookID, req.Header.Get(HeaderTimestamp), body) {
		r.metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid webhook signature"})
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
		r.metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid webhook payload"})
		return
	}
	if webhookID == "" {
		webhookID = uuid.NewString()
	}
	ev.DeliveryID = webhookID

	ctx := req.Context()
	if r.deduper != nil {
		first, err := r.deduper.MarkFirst(ctx, webhookID)
		if err != nil {
			r.logger.Warn().Err(err).Str("webhook_id", webhookID).Msg("webhook dedupe failed, processing anyway")
		} else if !first {
			r.metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
			writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Duplicate webhook ignored"})
			return
		}
	}

	if r.publisher != nil {
		if _, err := r.publisher.Publish(ctx, ev); err != nil {
			r.logger.Error().Err(err).Str("webhook_id", webhookID).Msg("publish webhook event failed, handling inline")
			r.Handle(ctx, ev)
		} else {
			r.metrics.WebhookEvents.WithLabelValues("queued").Inc()
		}
	} else {
		r.Handle(ctx, ev)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Webhook processed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
