package jobs

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Cleaner purges its expired state and reports how much it removed.
type Cleaner func(now time.Time) int64

// CleanupJob periodically purges expired pairing sessions and tokens.
// Noise subscriptions are deliberately absent: they expire lazily at
// lookup and broadcast time.
type CleanupJob struct {
	cleaners map[string]Cleaner
	interval time.Duration
	done     chan struct{}
}

func NewCleanupJob(interval time.Duration, cleaners map[string]Cleaner) *CleanupJob {
	return &CleanupJob{
		cleaners: cleaners,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	now := time.Now()
	for name, clean := range j.cleaners {
		if count := clean(now); count > 0 {
			log.Info().Int64("count", count).Msgf("cleaned up %s", name)
		}
	}
}
