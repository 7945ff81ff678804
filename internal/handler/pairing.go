package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/pairing"
)

// PairingHandler exposes the pairing flows over HTTPS. These endpoints are
// reachable before any trust exists; the rate limiter in front of them is
// the only guard.
type PairingHandler struct {
	engine *pairing.Engine
}

func NewPairingHandler(engine *pairing.Engine) *PairingHandler {
	return &PairingHandler{engine: engine}
}

func (h *PairingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/init", h.Init)
	r.Post("/confirm", h.Confirm)
	r.Post("/token", h.Token)

	return r
}

// POST /pair/init
// Starts a numeric-comparison session and returns the monitor's public key
// so the remote can derive the same comparison code.
func (h *PairingHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req pairing.InitWireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	result, err := h.engine.Init(pairing.InitRequest{
		RemoteDeviceID:     req.RemoteDeviceID,
		RemoteName:         req.RemoteName,
		RemotePublicKeyDER: req.RemotePublicKey,
		RemoteCertDER:      req.RemoteCert,
	})
	if err != nil {
		log.Warn().Err(err).Str("remoteDeviceId", req.RemoteDeviceID).Msg("Pairing init failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pairing.InitWireResponse{
		PairingSessionID: result.SessionID,
		MonitorPublicKey: result.MonitorPublicKeyDER,
		ExpiresInSec:     int(result.ExpiresIn.Seconds()),
	})
}

// POST /pair/confirm
// One confirm poll. Pending is a normal wait state and still a 200; the
// remote keeps polling until accepted, rejected, or its overall timeout.
func (h *PairingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req pairing.ConfirmWireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.SessionID == "" {
		writeError(w, apperrors.MissingRequired("sessionId"))
		return
	}

	result := h.engine.Confirm(req.SessionID, req.Transcript, req.AuthTag)

	resp := pairing.ConfirmWireResponse{
		Status: result.Status,
		Reason: string(result.Reason),
	}
	if result.Host != nil {
		resp.RemoteDeviceID = result.Host.RemoteDeviceID
		resp.MonitorName = result.Host.MonitorName
		resp.CertFingerprint = result.Host.CertFingerprint
		resp.CertificateDER = result.Host.CertificateDER
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /pair/token
// Redeems the one-time QR token. The token burns on any attempt.
func (h *PairingHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req pairing.TokenWireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.Token == "" {
		writeError(w, apperrors.MissingRequired("token"))
		return
	}

	result := h.engine.RedeemToken(req.Token, pairing.InitRequest{
		RemoteDeviceID:     req.RemoteDeviceID,
		RemoteName:         req.RemoteName,
		RemotePublicKeyDER: req.RemotePublicKey,
		RemoteCertDER:      req.RemoteCert,
	})

	resp := pairing.ConfirmWireResponse{Status: pairing.StatusRejected, Reason: string(result.Reason)}
	if result.Accepted {
		resp.Status = pairing.StatusAccepted
		resp.Reason = ""
		resp.RemoteDeviceID = result.Host.RemoteDeviceID
		resp.MonitorName = result.Host.MonitorName
		resp.CertFingerprint = result.Host.CertFingerprint
		resp.CertificateDER = result.Host.CertificateDER
	}
	writeJSON(w, http.StatusOK, resp)
}
