package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"

	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
)

// FailureKind is the outward-facing classification of a channel failure,
// used by presentation layers to render kind-specific guidance.
type FailureKind string

const (
	FailureFingerprintMismatch FailureKind = "fingerprintMismatch"
	FailureUntrustedClient     FailureKind = "untrustedClient"
	FailureProtocolViolation   FailureKind = "protocolViolation"
	FailureTimeout             FailureKind = "timeout"
	FailureTransport           FailureKind = "transport"
	FailureClosed              FailureKind = "closed"
	FailureUnknown             FailureKind = "unknown"
)

type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Classify maps an error to a failure kind. Structured codes from this
// module's own layers are authoritative; for foreign errors it falls back
// to string matching, which is advisory only.
func Classify(err error) Failure {
	if err == nil {
		return Failure{Kind: FailureUnknown}
	}

	f := Failure{Message: err.Error()}

	if appErr, ok := apperrors.AsAppError(err); ok {
		switch appErr.Code {
		case apperrors.ErrCodeFingerprintMismatch:
			f.Kind = FailureFingerprintMismatch
			return f
		case apperrors.ErrCodeUntrusted:
			f.Kind = FailureUntrustedClient
			return f
		case apperrors.ErrCodeProtocolViolation:
			f.Kind = FailureProtocolViolation
			return f
		case apperrors.ErrCodeChannelClosed:
			f.Kind = FailureClosed
			return f
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		f.Kind = FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		f.Kind = FailureTimeout
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		f.Kind = FailureClosed
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		f.Kind = FailureClosed
	default:
		f.Kind = classifyText(err.Error())
	}
	return f
}

func classifyText(text string) FailureKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "fingerprint mismatch"):
		return FailureFingerprintMismatch
	case strings.Contains(lower, "untrusted"):
		return FailureUntrustedClient
	case strings.Contains(lower, "protocol"):
		return FailureProtocolViolation
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "idle"), strings.Contains(lower, "deadline"):
		return FailureTimeout
	case strings.Contains(lower, "closed"), strings.Contains(lower, "going away"):
		return FailureClosed
	case strings.Contains(lower, "refused"), strings.Contains(lower, "reset"),
		strings.Contains(lower, "handshake"), strings.Contains(lower, "broken pipe"):
		return FailureTransport
	default:
		return FailureUnknown
	}
}
