package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/audit"
	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

const (
	// SessionTTL bounds how long the monitor's user has to confirm the
	// comparison code.
	SessionTTL = 60 * time.Second

	// TokenTTL bounds the QR one-time-token's validity.
	TokenTTL = 5 * time.Minute

	tokenBytes = 32
)

// Status is the terminal-or-waiting outcome of a confirm poll.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusPending  Status = "pending"
)

// HostIdentity is the monitor-side identity payload returned to the remote
// on pairing success.
type HostIdentity struct {
	RemoteDeviceID  string `json:"remoteDeviceId"`
	MonitorName     string `json:"monitorName"`
	CertFingerprint string `json:"certFingerprint"`
	CertificateDER  []byte `json:"certificateDer"`
}

// InitRequest carries the remote's identity material into the
// numeric-comparison flow.
type InitRequest struct {
	RemoteDeviceID     string
	RemoteName         string
	RemotePublicKeyDER []byte
	RemoteCertDER      []byte
}

// InitResult is returned to the remote so it can derive the same code.
type InitResult struct {
	SessionID           string
	ComparisonCode      string
	MonitorPublicKeyDER []byte
	ExpiresIn           time.Duration
}

// ConfirmResult is the outcome of one confirm poll. Pending is a normal
// wait state, not a failure. When rejected, Reason carries the wire-stable
// rejection code.
type ConfirmResult struct {
	Status Status
	Reason apperrors.ErrorCode
	Host   *HostIdentity
}

// TokenResult is the outcome of a one-time-token redemption.
type TokenResult struct {
	Accepted bool
	Reason   apperrors.ErrorCode
	Host     *HostIdentity
}

type activeToken struct {
	value     string
	expiresAt time.Time
}

// Engine runs both pairing protocols for the monitor (host) side.
type Engine struct {
	identity *identity.Identity
	trust    *trust.Store
	sessions *sessionStore

	mu    sync.Mutex
	token *activeToken

	now func() time.Time
}

func NewEngine(id *identity.Identity, trustStore *trust.Store) *Engine {
	return &Engine{
		identity: id,
		trust:    trustStore,
		sessions: newSessionStore(),
		now:      time.Now,
	}
}

// Init starts a numeric-comparison session: derives the comparison code and
// pairing key from ECDH with the remote's identity key, stores the session,
// and returns what the remote needs to derive the identical code. The
// comparison code is surfaced to the monitor's user out of band.
func (e *Engine) Init(req InitRequest) (*InitResult, error) {
	if req.RemoteDeviceID == "" {
		return nil, apperrors.MissingRequired("remoteDeviceId")
	}
	if len(req.RemotePublicKeyDER) == 0 {
		return nil, apperrors.MissingRequired("remotePublicKey")
	}
	if len(req.RemoteCertDER) == 0 {
		return nil, apperrors.MissingRequired("remoteCertificate")
	}

	remotePub, err := identity.ParsePublicKeyDER(req.RemotePublicKeyDER)
	if err != nil {
		return nil, apperrors.InvalidInput("remotePublicKey", err.Error()).WithCause(err)
	}

	derived, err := Derive(e.identity.PrivateKey, remotePub)
	if err != nil {
		return nil, apperrors.Internal("pairing derivation failed").WithCause(err)
	}

	now := e.now()
	session := &Session{
		ID:                    uuid.NewString(),
		RemoteDeviceID:        req.RemoteDeviceID,
		DisplayName:           req.RemoteName,
		RemotePublicKey:       remotePub,
		RemoteCertDER:         req.RemoteCertDER,
		RemoteCertFingerprint: identity.FingerprintDER(req.RemoteCertDER),
		ComparisonCode:        derived.ComparisonCode,
		pairingKey:            derived.PairingKey,
		CreatedAt:             now,
		ExpiresAt:             now.Add(SessionTTL),
	}
	e.sessions.put(session)

	hostPubDER, err := e.identity.PublicKeyDER()
	if err != nil {
		return nil, apperrors.Internal("encode monitor public key").WithCause(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("remoteDeviceId", req.RemoteDeviceID).
		Str("remoteFingerprint", session.RemoteCertFingerprint).
		Time("expiresAt", session.ExpiresAt).
		Msg("pairing session created")

	return &InitResult{
		SessionID:           session.ID,
		ComparisonCode:      derived.ComparisonCode,
		MonitorPublicKeyDER: hostPubDER,
		ExpiresIn:           SessionTTL,
	}, nil
}

// ComparisonCode exposes a session's code for the monitor UI.
func (e *Engine) ComparisonCode(sessionID string) (string, bool) {
	s, ok := e.sessions.get(sessionID)
	if !ok || s.Expired(e.now()) {
		return "", false
	}
	return s.ComparisonCode, true
}

// SetDecision records the monitor user's confirm/reject of the comparison
// code. The remote's confirm poll stays pending until this is called.
func (e *Engine) SetDecision(sessionID string, accepted bool) error {
	s, ok := e.sessions.get(sessionID)
	if !ok {
		return apperrors.SessionNotFound()
	}
	if s.Expired(e.now()) {
		e.sessions.delete(sessionID)
		return apperrors.SessionExpired()
	}

	if !e.sessions.setDecision(sessionID, accepted) {
		return apperrors.SessionNotFound()
	}

	log.Info().
		Str("sessionId", sessionID).
		Bool("accepted", accepted).
		Msg("pairing decision recorded")
	return nil
}

// Confirm handles one confirm poll from the remote. Terminal rejections
// delete the session; the remote must restart the whole flow afterwards.
func (e *Engine) Confirm(sessionID string, tr Transcript, authTag []byte) ConfirmResult {
	s, ok := e.sessions.get(sessionID)
	if !ok {
		return ConfirmResult{Status: StatusRejected, Reason: apperrors.ErrCodeSessionNotFound}
	}

	if s.Expired(e.now()) {
		e.sessions.delete(sessionID)
		log.Warn().Str("sessionId", sessionID).Msg("confirm on expired pairing session")
		return ConfirmResult{Status: StatusRejected, Reason: apperrors.ErrCodeSessionExpired}
	}

	confirmed, rejected := e.sessions.decision(sessionID)
	if rejected {
		e.sessions.delete(sessionID)
		log.Warn().Str("sessionId", sessionID).Msg("pairing rejected by monitor user")
		return ConfirmResult{Status: StatusRejected, Reason: apperrors.ErrCodeAuthValidationFailed}
	}

	if !confirmed {
		return ConfirmResult{Status: StatusPending, Reason: apperrors.ErrCodePending}
	}

	expected := Transcript{
		SessionID:             s.ID,
		RemoteDeviceID:        s.RemoteDeviceID,
		RemoteCertFingerprint: s.RemoteCertFingerprint,
		HostCertFingerprint:   e.identity.Fingerprint,
	}
	if tr != expected {
		e.sessions.delete(sessionID)
		log.Warn().Str("sessionId", sessionID).Msg("pairing transcript mismatch")
		return ConfirmResult{Status: StatusRejected, Reason: apperrors.ErrCodeAuthValidationFailed}
	}

	valid, err := VerifyAuthTag(s.pairingKey, expected, authTag)
	if err != nil || !valid {
		e.sessions.delete(sessionID)
		log.Warn().Str("sessionId", sessionID).Err(err).Msg("pairing auth tag mismatch")
		audit.Log(audit.Event{
			Type:        audit.EventPairingRejected,
			DeviceID:    s.RemoteDeviceID,
			Fingerprint: s.RemoteCertFingerprint,
			Details:     map[string]interface{}{"reason": "auth_tag_mismatch"},
		})
		return ConfirmResult{Status: StatusRejected, Reason: apperrors.ErrCodeAuthValidationFailed}
	}

	e.trust.Add(trust.Peer{
		DeviceID:       s.RemoteDeviceID,
		DisplayName:    s.DisplayName,
		Fingerprint:    s.RemoteCertFingerprint,
		CertificateDER: s.RemoteCertDER,
	})
	e.sessions.delete(sessionID)

	audit.Log(audit.Event{
		Type:        audit.EventPairingAccepted,
		DeviceID:    s.RemoteDeviceID,
		Fingerprint: s.RemoteCertFingerprint,
		Details:     map[string]interface{}{"method": "numeric_comparison"},
	})

	return ConfirmResult{Status: StatusAccepted, Host: e.hostIdentity()}
}

// GenerateToken creates the one-time QR token. Any previously active token
// is replaced; at most one is live at a time.
func (e *Engine) GenerateToken() (string, time.Time, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, apperrors.Internal("generate pairing token").WithCause(err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expiresAt := e.now().Add(TokenTTL)

	e.mu.Lock()
	e.token = &activeToken{value: token, expiresAt: expiresAt}
	e.mu.Unlock()

	log.Info().Time("expiresAt", expiresAt).Msg("pairing token generated")
	return token, expiresAt, nil
}

// RedeemToken completes the one-time-token flow. The token is single use:
// it is cleared atomically with validation regardless of outcome, so a
// failed attempt also burns it.
func (e *Engine) RedeemToken(token string, req InitRequest) TokenResult {
	e.mu.Lock()
	active := e.token
	e.token = nil
	e.mu.Unlock()

	if active == nil {
		return TokenResult{Reason: apperrors.ErrCodeNoActiveToken}
	}
	if e.now().After(active.expiresAt) {
		log.Warn().Msg("pairing token expired")
		return TokenResult{Reason: apperrors.ErrCodeTokenExpired}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(active.value)) != 1 {
		log.Warn().Msg("pairing token mismatch")
		audit.Log(audit.Event{
			Type:     audit.EventTokenBurned,
			DeviceID: req.RemoteDeviceID,
			Details:  map[string]interface{}{"reason": "token_mismatch"},
		})
		return TokenResult{Reason: apperrors.ErrCodeInvalidToken}
	}

	if req.RemoteDeviceID == "" || len(req.RemoteCertDER) == 0 {
		return TokenResult{Reason: apperrors.ErrCodeInvalidToken}
	}

	fingerprint := identity.FingerprintDER(req.RemoteCertDER)
	e.trust.Add(trust.Peer{
		DeviceID:       req.RemoteDeviceID,
		DisplayName:    req.RemoteName,
		Fingerprint:    fingerprint,
		CertificateDER: req.RemoteCertDER,
	})

	audit.Log(audit.Event{
		Type:        audit.EventTokenRedeemed,
		DeviceID:    req.RemoteDeviceID,
		Fingerprint: fingerprint,
	})

	return TokenResult{Accepted: true, Host: e.hostIdentity()}
}

// DeleteExpired purges expired sessions and the active token if stale; the
// cleanup job calls this on an interval.
func (e *Engine) DeleteExpired(now time.Time) int64 {
	n := e.sessions.deleteExpired(now)

	e.mu.Lock()
	if e.token != nil && now.After(e.token.expiresAt) {
		e.token = nil
		n++
	}
	e.mu.Unlock()

	return n
}

// ActiveSessions reports how many pairing sessions are in flight.
func (e *Engine) ActiveSessions() int {
	return e.sessions.len()
}

func (e *Engine) hostIdentity() *HostIdentity {
	return &HostIdentity{
		RemoteDeviceID:  e.identity.DeviceID,
		MonitorName:     e.identity.DeviceName,
		CertFingerprint: e.identity.Fingerprint,
		CertificateDER:  e.identity.CertificateDER,
	}
}
