package subscription

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/protocol"
	"github.com/cribcall/monitor-server-go/internal/settings"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

// ChannelDeliverer is the live-channel delivery path, implemented by
// channel.Registry. False means the peer is not reachable over a channel
// right now.
type ChannelDeliverer interface {
	Deliver(ctx context.Context, fingerprint string, msg protocol.Message) bool
}

const pushTimeout = 10 * time.Second

// Broadcaster fans a noise event out to every eligible subscriber:
// channel delivery first, push fallback for disconnected peers.
type Broadcaster struct {
	subs     *Registry
	channels ChannelDeliverer
	push     PushSender
	trust    *trust.Store
	settings *settings.Store
}

func NewBroadcaster(subs *Registry, channels ChannelDeliverer, push PushSender, trustStore *trust.Store, settingsStore *settings.Store) *Broadcaster {
	return &Broadcaster{
		subs:     subs,
		channels: channels,
		push:     push,
		trust:    trustStore,
		settings: settingsStore,
	}
}

// Broadcast delivers one detection event. Push failures are logged and
// never abort the fan-out; invalid tokens purge the subscription and the
// peer's stored token so they are not retried until a re-subscribe.
func (b *Broadcaster) Broadcast(ctx context.Context, timestampMs int64, peakLevel float64) {
	defaults := b.settings.Get()
	eligible := b.subs.markEligible(timestampMs, peakLevel, defaults)
	if len(eligible) == 0 {
		return
	}

	alert := protocol.NoiseAlert{
		Type:        protocol.TypeNoiseAlert,
		TimestampMs: timestampMs,
		PeakLevel:   peakLevel,
		MonitorName: defaults.MonitorName,
	}

	var pushTokens []string
	tokenOwner := make(map[string]string)
	for _, sub := range eligible {
		if b.channels.Deliver(ctx, sub.Fingerprint, alert) {
			continue
		}
		if sub.DeliveryMode == DeliveryChannelOnly {
			// no push mechanism; the peer misses this event
			log.Debug().Str("fingerprint", sub.Fingerprint).Msg("Channel-only subscriber disconnected, alert skipped")
			continue
		}
		pushTokens = append(pushTokens, sub.DeliveryToken)
		tokenOwner[sub.DeliveryToken] = sub.Fingerprint
	}

	log.Info().
		Int64("timestampMs", timestampMs).
		Float64("peakLevel", peakLevel).
		Int("eligible", len(eligible)).
		Int("pushFallback", len(pushTokens)).
		Msg("Noise alert broadcast")

	if len(pushTokens) == 0 {
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	result, err := b.push.Send(pushCtx, pushTokens, PushPayload{
		Title:       defaults.MonitorName,
		Body:        "Noise detected",
		TimestampMs: timestampMs,
		PeakLevel:   peakLevel,
	})
	if err != nil {
		log.Error().Err(err).Msg("Push delivery failed")
		return
	}

	for _, token := range result.InvalidTokens {
		fp, ok := tokenOwner[token]
		if !ok {
			continue
		}
		b.subs.RemoveByFingerprint(fp)
		b.trust.ClearPushToken(fp)
		log.Info().Str("fingerprint", fp).Msg("Purged subscription with invalid push token")
	}
}
