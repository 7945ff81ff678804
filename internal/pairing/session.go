package pairing

import (
	"crypto/ecdsa"
	"sync"
	"time"
)

// Session is one in-flight numeric-comparison pairing attempt, held in
// memory until it is confirmed, rejected, or expires. Exactly one pairing
// key is derived per session and it never leaves the process.
type Session struct {
	ID                    string
	RemoteDeviceID        string
	DisplayName           string
	RemotePublicKey       *ecdsa.PublicKey
	RemoteCertDER         []byte
	RemoteCertFingerprint string
	ComparisonCode        string
	pairingKey            []byte
	CreatedAt             time.Time
	ExpiresAt             time.Time

	// decision flags are shared between the user's decision path and the
	// remote's confirm polls; they are read and written only under the
	// sessionStore mutex.
	monitorConfirmed bool
	monitorRejected  bool
}

func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*Session)}
}

func (st *sessionStore) put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
}

func (st *sessionStore) get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// setDecision flips a session's decision flag. Reports false when the
// session no longer exists.
func (st *sessionStore) setDecision(id string, accepted bool) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return false
	}
	if accepted {
		s.monitorConfirmed = true
	} else {
		s.monitorRejected = true
	}
	return true
}

// decision snapshots a session's decision flags.
func (st *sessionStore) decision(id string) (confirmed, rejected bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return false, false
	}
	return s.monitorConfirmed, s.monitorRejected
}

func (st *sessionStore) delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// deleteExpired purges sessions past their TTL and reports how many were
// removed; the cleanup job calls this periodically and lookups also check
// expiry, so a stale session can never be confirmed either way.
func (st *sessionStore) deleteExpired(now time.Time) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	var n int64
	for id, s := range st.sessions {
		if s.Expired(now) {
			delete(st.sessions, id)
			n++
		}
	}
	return n
}

func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
