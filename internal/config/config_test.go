package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8443, cfg.Port)
		assert.Equal(t, 8444, cfg.ControlPort)
		assert.Equal(t, "websocket", cfg.Transport)
		assert.Equal(t, 512000, cfg.MaxFrameBytes)
		assert.Equal(t, ":8443", cfg.Addr())
		assert.Equal(t, ":8444", cfg.ControlAddr())
	})

	t.Run("env overrides", func(t *testing.T) {
		t.Setenv("PORT", "9000")
		t.Setenv("CONTROL_TRANSPORT", "quic")
		t.Setenv("NOISE_THRESHOLD", "75.5")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Port)
		assert.Equal(t, "quic", cfg.Transport)
		assert.Equal(t, 75.5, cfg.NoiseThreshold)
	})
}

func TestValidate(t *testing.T) {
	valid := Config{Transport: "websocket", MaxFrameBytes: 1024}

	t.Run("accepts websocket and quic", func(t *testing.T) {
		cfg := valid
		assert.NoError(t, cfg.Validate())
		cfg.Transport = "quic"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects unknown transport", func(t *testing.T) {
		cfg := valid
		cfg.Transport = "carrier-pigeon"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive frame limit", func(t *testing.T) {
		cfg := valid
		cfg.MaxFrameBytes = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects negative cooldown", func(t *testing.T) {
		cfg := valid
		cfg.CooldownSeconds = -1
		assert.Error(t, cfg.Validate())
	})
}
