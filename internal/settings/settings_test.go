package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cribcall/monitor-server-go/internal/protocol"
)

func TestStore(t *testing.T) {
	initial := Snapshot{
		MonitorName:     "Nursery",
		NoiseThreshold:  60,
		CooldownSeconds: 30,
	}

	t.Run("defaults audio stream type", func(t *testing.T) {
		s := NewStore(initial)
		assert.Equal(t, "audio", s.Get().AutoStreamType)
	})

	t.Run("partial apply leaves absent fields untouched", func(t *testing.T) {
		s := NewStore(initial)
		threshold := 75.0
		snap := s.Apply(protocol.SettingsUpdate{
			Type:           protocol.TypeSettingsUpdate,
			NoiseThreshold: &threshold,
		})

		assert.Equal(t, 75.0, snap.NoiseThreshold)
		assert.Equal(t, "Nursery", snap.MonitorName)
		assert.Equal(t, 30, snap.CooldownSeconds)
	})

	t.Run("state mirrors snapshot", func(t *testing.T) {
		s := NewStore(initial)
		name := "Twins Room"
		cooldown := 45
		s.Apply(protocol.SettingsUpdate{
			Type:            protocol.TypeSettingsUpdate,
			MonitorName:     &name,
			CooldownSeconds: &cooldown,
		})

		state := s.State()
		assert.Equal(t, protocol.TypeSettingsState, state.Type)
		assert.Equal(t, "Twins Room", state.MonitorName)
		assert.Equal(t, 45, state.CooldownSeconds)
		assert.Equal(t, 60.0, state.NoiseThreshold)
	})
}
