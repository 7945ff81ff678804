// Package audit emits structured security events on the standard log
// stream, tagged so they can be filtered out of regular traffic.
package audit

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventPairingAccepted EventType = "pairing_accepted"
	EventPairingRejected EventType = "pairing_rejected"
	EventTokenRedeemed   EventType = "token_redeemed"
	EventTokenBurned     EventType = "token_burned"
	EventPeerRemoved     EventType = "peer_removed"
	EventUntrustedCaller EventType = "untrusted_caller"
	EventTrustViolation  EventType = "trust_violation"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
	EventListenerRebind  EventType = "listener_rebind"
)

type Event struct {
	Type        EventType
	DeviceID    string
	Fingerprint string
	IP          string
	Details     map[string]interface{}
}

func Log(event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.DeviceID != "" {
		logger = logger.With().Str("device_id", event.DeviceID).Logger()
	}
	if event.Fingerprint != "" {
		logger = logger.With().Str("fingerprint", event.Fingerprint).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}
