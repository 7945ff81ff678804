package trust

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/audit"
)

// Peer is a device that completed pairing. The certificate fingerprint
// uniquely identifies a peer within the store.
type Peer struct {
	DeviceID       string `json:"deviceId"`
	DisplayName    string `json:"displayName"`
	Fingerprint    string `json:"certFingerprint"`
	CertificateDER []byte `json:"certificateDer,omitempty"`
	PushToken      string `json:"pushToken,omitempty"`
	PushPlatform   string `json:"pushPlatform,omitempty"`
}

// ChangeKind distinguishes store mutations for listeners.
type ChangeKind string

const (
	PeerAdded   ChangeKind = "added"
	PeerRemoved ChangeKind = "removed"
	PeerUpdated ChangeKind = "updated"
)

type Change struct {
	Kind ChangeKind
	Peer Peer
}

// Listener observes trust-store mutations. The transport layer uses it to
// rebind its listener with the new fingerprint set, and to drop connections
// of removed peers. Listeners run synchronously under the mutation call so
// the rebind completes before the mutation is externally visible.
type Listener func(Change)

// Store holds trusted peers in memory, keyed by certificate fingerprint.
// The persistence collaborator seeds it at startup via Replace and reads it
// back via List; the store itself never touches disk.
type Store struct {
	mu        sync.RWMutex
	peers     map[string]Peer
	listeners []Listener
}

func NewStore() *Store {
	return &Store{peers: make(map[string]Peer)}
}

// OnChange registers a mutation listener. Not safe to call concurrently
// with mutations; register everything during wiring.
func (s *Store) OnChange(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Replace swaps the entire peer set, used when loading from persistence.
// No change events fire; there is nothing downstream to rebind yet.
func (s *Store) Replace(peers []Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers = make(map[string]Peer, len(peers))
	for _, p := range peers {
		s.peers[p.Fingerprint] = p
	}
}

// Add inserts or overwrites a peer and notifies listeners.
func (s *Store) Add(p Peer) {
	s.mu.Lock()
	s.peers[p.Fingerprint] = p
	s.mu.Unlock()

	log.Info().
		Str("fingerprint", p.Fingerprint).
		Str("deviceId", p.DeviceID).
		Msg("trusted peer added")

	s.notify(Change{Kind: PeerAdded, Peer: p})
}

// Remove deletes a peer by fingerprint and notifies listeners. Returns the
// removed peer if it existed.
func (s *Store) Remove(fingerprint string) (Peer, bool) {
	s.mu.Lock()
	p, ok := s.peers[fingerprint]
	if ok {
		delete(s.peers, fingerprint)
	}
	s.mu.Unlock()

	if !ok {
		return Peer{}, false
	}

	audit.Log(audit.Event{
		Type:        audit.EventPeerRemoved,
		DeviceID:    p.DeviceID,
		Fingerprint: fingerprint,
	})

	s.notify(Change{Kind: PeerRemoved, Peer: p})
	return p, true
}

// UpdatePushToken mutates the stored push token for a peer.
func (s *Store) UpdatePushToken(fingerprint, token, platform string) bool {
	s.mu.Lock()
	p, ok := s.peers[fingerprint]
	if ok {
		p.PushToken = token
		if platform != "" {
			p.PushPlatform = platform
		}
		s.peers[fingerprint] = p
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	s.notify(Change{Kind: PeerUpdated, Peer: p})
	return true
}

// ClearPushToken drops a peer's stored push token, used when the push
// provider reports it invalid.
func (s *Store) ClearPushToken(fingerprint string) {
	s.mu.Lock()
	p, ok := s.peers[fingerprint]
	if ok {
		p.PushToken = ""
		s.peers[fingerprint] = p
	}
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: PeerUpdated, Peer: p})
	}
}

// Get returns a peer by fingerprint.
func (s *Store) Get(fingerprint string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[fingerprint]
	return p, ok
}

// IsTrusted reports whether a fingerprint is in the store.
func (s *Store) IsTrusted(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[fingerprint]
	return ok
}

// List returns a snapshot of all peers.
func (s *Store) List() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Fingerprints returns a snapshot of the trusted fingerprint set. Listener
// generations freeze this set at bind time.
func (s *Store) Fingerprints() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.peers))
	for fp := range s.peers {
		out[fp] = true
	}
	return out
}

func (s *Store) notify(c Change) {
	for _, l := range s.listeners {
		l(c)
	}
}
