package channel

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/protocol"
)

// Registry tracks live channels by peer fingerprint so the broadcast engine
// can answer "is this peer currently connected" and removal of a trusted
// peer can proactively close its connections.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[*Channel]bool
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]map[*Channel]bool)}
}

func (r *Registry) Register(ch *Channel) {
	fp := ch.PeerFingerprint()

	r.mu.Lock()
	if r.channels[fp] == nil {
		r.channels[fp] = make(map[*Channel]bool)
	}
	r.channels[fp][ch] = true
	r.mu.Unlock()

	log.Debug().Str("fingerprint", fp).Str("connectionId", ch.ID()).Msg("channel registered")
}

func (r *Registry) Unregister(ch *Channel) {
	fp := ch.PeerFingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.channels[fp]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(r.channels, fp)
		}
	}
}

// Get returns a live channel for the fingerprint, if any.
func (r *Registry) Get(fingerprint string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for ch := range r.channels[fingerprint] {
		return ch, true
	}
	return nil, false
}

// Deliver sends a message to a peer's live channel. It reports false when
// the peer has no channel or the send failed, so callers can fall back to
// another delivery path.
func (r *Registry) Deliver(ctx context.Context, fingerprint string, msg protocol.Message) bool {
	ch, ok := r.Get(fingerprint)
	if !ok {
		return false
	}
	if err := ch.Send(ctx, msg); err != nil {
		log.Warn().Err(err).
			Str("fingerprint", fingerprint).
			Str("type", string(msg.MessageType())).
			Msg("Channel delivery failed")
		return false
	}
	return true
}

// DisposePeer closes every channel belonging to a fingerprint, used when a
// peer is removed from the trust store. Close errors on stale connections
// are swallowed; the trust mutation must proceed regardless.
func (r *Registry) DisposePeer(fingerprint string) {
	r.mu.Lock()
	set := r.channels[fingerprint]
	delete(r.channels, fingerprint)
	r.mu.Unlock()

	for ch := range set {
		ch.Dispose()
	}
	if len(set) > 0 {
		log.Info().Str("fingerprint", fingerprint).Int("count", len(set)).Msg("closed connections of removed peer")
	}
}

// ActiveCount reports the number of live channels across all peers.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, set := range r.channels {
		total += len(set)
	}
	return total
}
