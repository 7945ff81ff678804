// Package subscription keeps the noise-alert subscriptions and runs the
// broadcast fan-out when the monitor detects noise.
package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/config"
	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/settings"
)

// ChannelOnlyToken is the wire sentinel a subscriber sends when it has no
// push mechanism. It stays a token value for compatibility; internally it
// is normalized to DeliveryChannelOnly.
const ChannelOnlyToken = "websocket-only"

type DeliveryMode string

const (
	DeliveryPush        DeliveryMode = "push"
	DeliveryChannelOnly DeliveryMode = "channelOnly"
)

// Subscription is one trusted peer's noise-alert lease. At most one exists
// per certificate fingerprint.
type Subscription struct {
	ID                    string
	Fingerprint           string
	DeliveryToken         string
	DeliveryMode          DeliveryMode
	Platform              string
	Threshold             *float64
	CooldownSeconds       *int
	AutoStreamType        string
	AutoStreamDurationSec int
	ExpiresAt             time.Time
	LastBroadcastAt       time.Time
}

// EffectiveThreshold resolves the peak-level floor, falling back to the
// monitor's settings when the subscriber did not pick one.
func (s Subscription) EffectiveThreshold(defaults settings.Snapshot) float64 {
	if s.Threshold != nil {
		return *s.Threshold
	}
	return defaults.NoiseThreshold
}

func (s Subscription) EffectiveCooldownSeconds(defaults settings.Snapshot) int {
	if s.CooldownSeconds != nil {
		return *s.CooldownSeconds
	}
	return defaults.CooldownSeconds
}

// SubscribeRequest carries the parameters of a subscribe (or renew) call.
// Fingerprint comes from the caller's peer certificate, never from a body.
type SubscribeRequest struct {
	Fingerprint           string
	DeliveryToken         string
	Platform              string
	Threshold             *float64
	CooldownSeconds       *int
	AutoStreamType        string
	AutoStreamDurationSec int
	LeaseSeconds          int
}

// Lease is what subscribe hands back: the accepted (possibly clamped)
// duration and the resulting expiry.
type Lease struct {
	SubscriptionID string
	LeaseSeconds   int
	ExpiresAt      time.Time
}

// Registry holds the live subscriptions keyed by fingerprint. Expiry is
// lazy: expired entries are dropped at lookup and broadcast time, there is
// no background sweep.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]*Subscription),
		now:  time.Now,
	}
}

// Subscribe creates or refreshes the peer's subscription. Renewal keeps the
// existing subscription id and lastBroadcastAt so a renew inside a cooldown
// window does not re-arm the alert.
func (r *Registry) Subscribe(req SubscribeRequest) (Lease, error) {
	if req.Fingerprint == "" {
		return Lease{}, apperrors.MissingRequired("fingerprint")
	}
	if req.DeliveryToken == "" {
		return Lease{}, apperrors.MissingRequired("deliveryToken")
	}

	lease := clampLease(req.LeaseSeconds)
	now := r.now()

	mode := DeliveryPush
	if req.DeliveryToken == ChannelOnlyToken {
		mode = DeliveryChannelOnly
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[req.Fingerprint]
	if !ok || now.After(sub.ExpiresAt) {
		sub = &Subscription{
			ID:          uuid.New().String(),
			Fingerprint: req.Fingerprint,
		}
		r.subs[req.Fingerprint] = sub
	}

	sub.DeliveryToken = req.DeliveryToken
	sub.DeliveryMode = mode
	sub.Platform = req.Platform
	sub.Threshold = req.Threshold
	sub.CooldownSeconds = req.CooldownSeconds
	sub.AutoStreamType = req.AutoStreamType
	sub.AutoStreamDurationSec = req.AutoStreamDurationSec
	sub.ExpiresAt = now.Add(time.Duration(lease) * time.Second)

	log.Info().
		Str("fingerprint", req.Fingerprint).
		Str("subscriptionId", sub.ID).
		Str("deliveryMode", string(mode)).
		Int("leaseSeconds", lease).
		Msg("Noise subscription upserted")

	return Lease{SubscriptionID: sub.ID, LeaseSeconds: lease, ExpiresAt: sub.ExpiresAt}, nil
}

// Unsubscribe removes the peer's subscription. Token and subscriptionID are
// optional narrowing identifiers; when given they must match. Reports
// whether a subscription was removed.
func (r *Registry) Unsubscribe(fingerprint, token, subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[fingerprint]
	if !ok {
		return false
	}
	if token != "" && sub.DeliveryToken != token {
		return false
	}
	if subscriptionID != "" && sub.ID != subscriptionID {
		return false
	}

	delete(r.subs, fingerprint)
	log.Info().Str("fingerprint", fingerprint).Str("subscriptionId", sub.ID).Msg("Noise subscription removed")
	return true
}

// RemoveByFingerprint drops a peer's subscription unconditionally, used on
// unpair and on invalid-token purges.
func (r *Registry) RemoveByFingerprint(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[fingerprint]; !ok {
		return false
	}
	delete(r.subs, fingerprint)
	return true
}

// RefreshToken swaps the delivery token in place when a trusted peer
// rotates its push token over the control channel.
func (r *Registry) RefreshToken(fingerprint, token, platform string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[fingerprint]
	if !ok || r.now().After(sub.ExpiresAt) {
		return false
	}

	sub.DeliveryToken = token
	sub.Platform = platform
	if token == ChannelOnlyToken {
		sub.DeliveryMode = DeliveryChannelOnly
	} else {
		sub.DeliveryMode = DeliveryPush
	}
	return true
}

// Get returns the peer's live subscription, dropping it first if expired.
func (r *Registry) Get(fingerprint string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[fingerprint]
	if !ok {
		return Subscription{}, false
	}
	if r.now().After(sub.ExpiresAt) {
		delete(r.subs, fingerprint)
		return Subscription{}, false
	}
	return *sub, true
}

// Active expires stale entries and returns a copy of the rest.
func (r *Registry) Active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Subscription, 0, len(r.subs))
	for fp, sub := range r.subs {
		if now.After(sub.ExpiresAt) {
			delete(r.subs, fp)
			continue
		}
		out = append(out, *sub)
	}
	return out
}

// markEligible runs the filter step of the broadcast algorithm under the
// registry lock: expire, threshold, cooldown, and stamp lastBroadcastAt at
// eligibility time so a slow delivery cannot double-fire inside one window.
func (r *Registry) markEligible(timestampMs int64, peakLevel float64, defaults settings.Snapshot) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	eventAt := time.UnixMilli(timestampMs)

	var eligible []Subscription
	for fp, sub := range r.subs {
		if now.After(sub.ExpiresAt) {
			delete(r.subs, fp)
			continue
		}
		if peakLevel < sub.EffectiveThreshold(defaults) {
			continue
		}
		cooldown := time.Duration(sub.EffectiveCooldownSeconds(defaults)) * time.Second
		if !sub.LastBroadcastAt.IsZero() && eventAt.Sub(sub.LastBroadcastAt) < cooldown {
			continue
		}
		sub.LastBroadcastAt = eventAt
		eligible = append(eligible, *sub)
	}
	return eligible
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func clampLease(requested int) int {
	switch {
	case requested <= 0:
		return config.DefaultLeaseSeconds
	case requested < config.MinLeaseSeconds:
		return config.MinLeaseSeconds
	case requested > config.MaxLeaseSeconds:
		return config.MaxLeaseSeconds
	default:
		return requested
	}
}
