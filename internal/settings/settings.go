// Package settings holds the monitor's mutable runtime settings. The
// snapshot is in-memory only; persistence is the embedding application's
// concern.
package settings

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/protocol"
)

// Snapshot is an immutable copy of the current settings.
type Snapshot struct {
	MonitorName     string
	NoiseThreshold  float64
	CooldownSeconds int
	AutoStreamType  string
}

// Store is a concurrency-safe settings holder.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewStore(initial Snapshot) *Store {
	if initial.AutoStreamType == "" {
		initial.AutoStreamType = "audio"
	}
	return &Store{snap: initial}
}

func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Apply merges a partial update into the snapshot and returns the result.
// Nil fields are left untouched.
func (s *Store) Apply(update protocol.SettingsUpdate) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.MonitorName != nil {
		s.snap.MonitorName = *update.MonitorName
	}
	if update.NoiseThreshold != nil {
		s.snap.NoiseThreshold = *update.NoiseThreshold
	}
	if update.CooldownSeconds != nil {
		s.snap.CooldownSeconds = *update.CooldownSeconds
	}
	if update.AutoStreamType != nil {
		s.snap.AutoStreamType = *update.AutoStreamType
	}

	log.Debug().
		Str("monitorName", s.snap.MonitorName).
		Float64("noiseThreshold", s.snap.NoiseThreshold).
		Int("cooldownSeconds", s.snap.CooldownSeconds).
		Str("autoStreamType", s.snap.AutoStreamType).
		Msg("Settings updated")

	return s.snap
}

// State renders the snapshot as a wire message.
func (s *Store) State() protocol.SettingsState {
	snap := s.Get()
	return protocol.SettingsState{
		Type:            protocol.TypeSettingsState,
		MonitorName:     snap.MonitorName,
		NoiseThreshold:  snap.NoiseThreshold,
		CooldownSeconds: snap.CooldownSeconds,
		AutoStreamType:  snap.AutoStreamType,
	}
}
