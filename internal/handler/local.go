package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/pairing"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

// LocalHandler is the in-process surface for the device's own UI: pairing
// decisions, QR token generation and unpair all originate on this device,
// so the routes are loopback-only like /noise/report.
type LocalHandler struct {
	engine *pairing.Engine
	trust  *trust.Store
}

func NewLocalHandler(engine *pairing.Engine, trustStore *trust.Store) *LocalHandler {
	return &LocalHandler{engine: engine, trust: trustStore}
}

func (h *LocalHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/pair/code", h.ComparisonCode)
	r.Post("/pair/decision", h.Decision)
	r.Post("/pair/token", h.GenerateToken)
	r.Get("/peers", h.Peers)
	r.Post("/unpair", h.Unpair)

	return r
}

// GET /local/pair/code?sessionId=...
// The UI fetches the comparison code to display next to the remote's.
func (h *LocalHandler) ComparisonCode(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, apperrors.MissingRequired("sessionId"))
		return
	}

	code, ok := h.engine.ComparisonCode(sessionID)
	if !ok {
		writeError(w, apperrors.SessionNotFound())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId":      sessionID,
		"comparisonCode": code,
	})
}

// POST /local/pair/decision
func (h *LocalHandler) Decision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Accepted  bool   `json:"accepted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.SessionID == "" {
		writeError(w, apperrors.MissingRequired("sessionId"))
		return
	}

	if err := h.engine.SetDecision(req.SessionID, req.Accepted); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /local/pair/token
// Generates the one-time QR token; the UI renders it for the remote to
// scan.
func (h *LocalHandler) GenerateToken(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, err := h.engine.GenerateToken()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":        token,
		"expiresAt":    expiresAt.UnixMilli(),
		"expiresInSec": int(time.Until(expiresAt).Seconds()),
	})
}

// GET /local/peers
func (h *LocalHandler) Peers(w http.ResponseWriter, r *http.Request) {
	peers := h.trust.List()
	out := make([]map[string]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]string{
			"deviceId":        p.DeviceID,
			"displayName":     p.DisplayName,
			"certFingerprint": p.Fingerprint,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": out})
}

// POST /local/unpair
// Removing the peer fires the trust-store change listeners, which rebind
// the control listener and close the peer's live channels.
func (h *LocalHandler) Unpair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.Fingerprint == "" {
		writeError(w, apperrors.MissingRequired("fingerprint"))
		return
	}

	_, removed := h.trust.Remove(req.Fingerprint)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
