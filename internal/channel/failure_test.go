package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
)

func TestClassify(t *testing.T) {
	t.Run("structured codes are authoritative", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			want FailureKind
		}{
			{"fingerprint mismatch", apperrors.FingerprintMismatch("abc", "def"), FailureFingerprintMismatch},
			{"untrusted", apperrors.UntrustedFingerprint("abc"), FailureUntrustedClient},
			{"protocol violation", apperrors.ProtocolViolation("bad frame"), FailureProtocolViolation},
			{"channel closed", apperrors.ChannelClosed(), FailureClosed},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, Classify(tt.err).Kind)
			})
		}
	})

	t.Run("wrapped structured codes still classify", func(t *testing.T) {
		err := fmt.Errorf("read loop: %w", apperrors.ProtocolViolation("unexpected type"))
		assert.Equal(t, FailureProtocolViolation, Classify(err).Kind)
	})

	t.Run("foreign errors by type", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			want FailureKind
		}{
			{"deadline exceeded", context.DeadlineExceeded, FailureTimeout},
			{"eof", io.EOF, FailureClosed},
			{"net closed", net.ErrClosed, FailureClosed},
			{"websocket normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, FailureClosed},
			{"websocket going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, FailureClosed},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, Classify(tt.err).Kind)
			})
		}
	})

	t.Run("foreign errors by text", func(t *testing.T) {
		tests := []struct {
			text string
			want FailureKind
		}{
			{"remote certificate fingerprint mismatch", FailureFingerprintMismatch},
			{"rejected: untrusted peer", FailureUntrustedClient},
			{"protocol error in stream 3", FailureProtocolViolation},
			{"dial tcp: i/o timeout", FailureTimeout},
			{"connection idle for too long", FailureTimeout},
			{"use of closed network connection", FailureClosed},
			{"connection refused", FailureTransport},
			{"connection reset by peer", FailureTransport},
			{"tls handshake failure", FailureTransport},
			{"write: broken pipe", FailureTransport},
			{"something inexplicable", FailureUnknown},
		}
		for _, tt := range tests {
			t.Run(tt.text, func(t *testing.T) {
				got := Classify(errors.New(tt.text))
				assert.Equal(t, tt.want, got.Kind)
				assert.Equal(t, tt.text, got.Message)
			})
		}
	})

	t.Run("nil error is unknown", func(t *testing.T) {
		assert.Equal(t, FailureUnknown, Classify(nil).Kind)
	})
}
