package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/identity"
)

const (
	// DefaultConnectTimeout bounds dial plus handshake.
	DefaultConnectTimeout = 10 * time.Second

	// IdleTimeout matches the control protocol's keep-alive budget.
	IdleTimeout = 30 * time.Second
)

// Connection is one live, mutually-authenticated control connection.
// Send and ReadMessage operate on whole frame payloads; the length-prefix
// codec is applied by the backend. Close unblocks a pending ReadMessage.
type Connection interface {
	ID() string
	PeerFingerprint() string
	RemoteAddr() net.Addr

	// Send writes one frame. Partial writes are never interleaved; the
	// control channel additionally serializes calls.
	Send(ctx context.Context, payload []byte) error

	// ReadMessage blocks for the next complete frame payload.
	ReadMessage(ctx context.Context) ([]byte, error)

	// Trusted reports whether the peer's fingerprint was in the trust
	// snapshot at accept time, or the connection has since been elevated.
	Trusted() bool

	// Elevate promotes a pairing-restricted connection to full trust in
	// place, without reconnecting.
	Elevate()

	Close(reason string) error
}

// Listener accepts connections for one trust-snapshot generation.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Addr() net.Addr
	Close() error
}

// DialOptions configures an outbound connection.
type DialOptions struct {
	// Endpoint is backend-specific: host:port.
	Endpoint string

	Identity *identity.Identity

	// ExpectedFingerprint pins the server certificate. Empty selects
	// allow-unpinned mode for the pairing flow, where the pairing protocol
	// itself authenticates the peer.
	ExpectedFingerprint string

	MaxFrameBytes int
	Timeout       time.Duration
}

func (o DialOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultConnectTimeout
	}
	return o.Timeout
}

// Backend is a transport implementation: WebSocket-over-TLS or QUIC. The
// two are interchangeable; one is selected at startup. Listen may be called
// once per trust-snapshot generation; closing a generation's Listener must
// not disturb connections it already accepted. Close releases any socket
// state the backend holds across generations.
type Backend interface {
	Name() string
	Listen(addr string, id *identity.Identity, trusted map[string]bool, maxFrameBytes int) (Listener, error)
	Dial(ctx context.Context, opts DialOptions) (Connection, error)
	Close() error
}

// serverTLSConfig builds the monitor-side TLS config. Any client
// certificate is accepted at the TLS layer; trust is decided by fingerprint
// afterwards so pairing-restricted connections can still come up.
func serverTLSConfig(id *identity.Identity) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.TLSCertificate()},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
		// fingerprint pinning replaces chain validation entirely
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("client presented no certificate")
			}
			return nil
		},
	}
}

// clientTLSConfig builds the remote-side TLS config with fingerprint
// pinning instead of CA validation. observed receives the server
// certificate's fingerprint during the handshake.
func clientTLSConfig(id *identity.Identity, expectedFingerprint string, observed *string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{id.TLSCertificate()},
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // trust is fingerprint-pinned below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			fp := identity.FingerprintDER(rawCerts[0])
			if observed != nil {
				*observed = fp
			}
			if expectedFingerprint != "" && fp != expectedFingerprint {
				return apperrors.FingerprintMismatch(expectedFingerprint, fp)
			}
			return nil
		},
	}
}

// peerFingerprint extracts the pinning fingerprint from a completed TLS
// handshake.
func peerFingerprint(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("no peer certificate after handshake")
	}
	return identity.FingerprintDER(state.PeerCertificates[0].Raw), nil
}
