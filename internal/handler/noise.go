package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/middleware"
	"github.com/cribcall/monitor-server-go/internal/subscription"
)

// NoiseHandler manages noise-alert subscriptions. The caller is identified
// by the fingerprint the middleware pulled from its client certificate;
// fingerprints in request bodies are ignored.
type NoiseHandler struct {
	subs        *subscription.Registry
	broadcaster *subscription.Broadcaster
}

func NewNoiseHandler(subs *subscription.Registry, broadcaster *subscription.Broadcaster) *NoiseHandler {
	return &NoiseHandler{subs: subs, broadcaster: broadcaster}
}

func (h *NoiseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/subscribe", h.Subscribe)
	r.Post("/unsubscribe", h.Unsubscribe)

	return r
}

// POST /noise/subscribe
func (h *NoiseHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	fp := middleware.GetFingerprint(r.Context())

	var req struct {
		DeliveryToken         string   `json:"deliveryToken"`
		Platform              string   `json:"platform"`
		Threshold             *float64 `json:"threshold,omitempty"`
		CooldownSeconds       *int     `json:"cooldownSeconds,omitempty"`
		AutoStreamType        string   `json:"autoStreamType,omitempty"`
		AutoStreamDurationSec int      `json:"autoStreamDurationSec,omitempty"`
		LeaseSeconds          int      `json:"leaseSeconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	lease, err := h.subs.Subscribe(subscription.SubscribeRequest{
		Fingerprint:           fp,
		DeliveryToken:         req.DeliveryToken,
		Platform:              req.Platform,
		Threshold:             req.Threshold,
		CooldownSeconds:       req.CooldownSeconds,
		AutoStreamType:        req.AutoStreamType,
		AutoStreamDurationSec: req.AutoStreamDurationSec,
		LeaseSeconds:          req.LeaseSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptionId": lease.SubscriptionID,
		"leaseSeconds":   lease.LeaseSeconds,
		"expiresAt":      lease.ExpiresAt.UnixMilli(),
	})
}

// POST /noise/unsubscribe
func (h *NoiseHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	fp := middleware.GetFingerprint(r.Context())

	var req struct {
		DeliveryToken  string `json:"deliveryToken,omitempty"`
		SubscriptionID string `json:"subscriptionId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	removed := h.subs.Unsubscribe(fp, req.DeliveryToken, req.SubscriptionID)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// POST /noise/report
// The capture process on this device reports a detection event; only
// loopback callers are allowed in.
func (h *NoiseHandler) Report(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		writeError(w, apperrors.Forbidden("Detection reports are accepted from this device only"))
		return
	}

	var req struct {
		TimestampMs int64   `json:"timestampMs"`
		PeakLevel   float64 `json:"peakLevel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.TimestampMs == 0 {
		req.TimestampMs = time.Now().UnixMilli()
	}

	h.broadcaster.Broadcast(r.Context(), req.TimestampMs, req.PeakLevel)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
