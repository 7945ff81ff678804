package middleware

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

func TestFingerprintMiddleware(t *testing.T) {
	id, err := identity.Generate("remote-1", "Parent Phone")
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(id.CertificateDER)
	require.NoError(t, err)

	withCert := func(r *http.Request) *http.Request {
		r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
		return r
	}

	t.Run("extracts the fingerprint from the client cert", func(t *testing.T) {
		m := NewFingerprintMiddleware(trust.NewStore())
		var got string
		h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = GetFingerprint(r.Context())
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withCert(httptest.NewRequest(http.MethodGet, "/", nil)))
		assert.Equal(t, id.Fingerprint, got)
	})

	t.Run("no client cert means no fingerprint", func(t *testing.T) {
		m := NewFingerprintMiddleware(trust.NewStore())
		var got string
		h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = GetFingerprint(r.Context())
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Empty(t, got)
	})

	t.Run("require trusted rejects unknown fingerprints", func(t *testing.T) {
		store := trust.NewStore()
		m := NewFingerprintMiddleware(store)
		h := m.Handler(m.RequireTrusted(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withCert(httptest.NewRequest(http.MethodGet, "/", nil)))
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("require trusted admits trusted peers", func(t *testing.T) {
		store := trust.NewStore()
		store.Add(trust.Peer{DeviceID: "remote-1", Fingerprint: id.Fingerprint})
		m := NewFingerprintMiddleware(store)
		h := m.Handler(m.RequireTrusted(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withCert(httptest.NewRequest(http.MethodGet, "/", nil)))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestIPRateLimit(t *testing.T) {
	t.Run("limits per ip within the window", func(t *testing.T) {
		m := NewIPRateLimitMiddleware(3, time.Minute)
		h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = "10.0.0.1:5000"
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		}

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		// a different ip is not affected
		rec = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.2:5000"
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
