package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/audit"
	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

type contextKey string

const fingerprintContextKey contextKey = "peerFingerprint"

// WithFingerprint attaches a caller fingerprint to the context.
func WithFingerprint(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, fingerprintContextKey, fingerprint)
}

// GetFingerprint returns the caller's certificate fingerprint set by
// FingerprintMiddleware, or "" when the request carried no client cert.
func GetFingerprint(ctx context.Context) string {
	if fp, ok := ctx.Value(fingerprintContextKey).(string); ok {
		return fp
	}
	return ""
}

// FingerprintMiddleware identifies callers by their TLS client certificate.
// The fingerprint is the only caller identity this server believes; request
// bodies never carry one.
type FingerprintMiddleware struct {
	trust *trust.Store
}

func NewFingerprintMiddleware(trustStore *trust.Store) *FingerprintMiddleware {
	return &FingerprintMiddleware{trust: trustStore}
}

// Handler attaches the peer fingerprint to the request context. Requests
// without a client certificate pass through with no fingerprint; handlers
// that need one use RequireTrusted.
func (m *FingerprintMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			fp := identity.FingerprintDER(r.TLS.PeerCertificates[0].Raw)
			r = r.WithContext(WithFingerprint(r.Context(), fp))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireTrusted rejects callers whose fingerprint is absent or not in the
// trust store.
func (m *FingerprintMiddleware) RequireTrusted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp := GetFingerprint(r.Context())
		if fp == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Client certificate required",
			})
			return
		}
		if !m.trust.IsTrusted(fp) {
			log.Warn().Str("fingerprint", fp).Str("path", r.URL.Path).Msg("Untrusted caller rejected")
			audit.Log(audit.Event{
				Type:        audit.EventUntrustedCaller,
				Fingerprint: fp,
				IP:          r.RemoteAddr,
				Details:     map[string]interface{}{"path": r.URL.Path},
			})
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Caller fingerprint is not in the trust store",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
