package jobs

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCleanupJob(t *testing.T) {
	t.Run("runs every cleaner on start and on tick", func(t *testing.T) {
		var sessions, tokens atomic.Int64

		job := NewCleanupJob(10*time.Millisecond, map[string]Cleaner{
			"pairing sessions": func(time.Time) int64 { return sessions.Add(1) },
			"pairing tokens":   func(time.Time) int64 { return tokens.Add(1) },
		})
		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return sessions.Load() >= 2 && tokens.Load() >= 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("stop halts the loop", func(t *testing.T) {
		var runs atomic.Int64
		job := NewCleanupJob(5*time.Millisecond, map[string]Cleaner{
			"pairing sessions": func(time.Time) int64 { return runs.Add(1) },
		})
		job.Start()
		time.Sleep(20 * time.Millisecond)
		job.Stop()

		after := runs.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, after, runs.Load())
	})
}
