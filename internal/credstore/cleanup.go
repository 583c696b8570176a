package credstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/config"
)

// CleanupJob periodically purges dead grants: expired past the retention
// window with no refresh token left to revive them.
type CleanupJob struct {
	repo     GrantRepository
	interval time.Duration
	done     chan struct{}
}

func NewCleanupJob(repo GrantRepository, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		repo:     repo,
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-config.DeadGrantRetention)
	count, err := j.repo.DeleteDead(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to cleanup dead grants")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("cleaned up dead grants")
	}
}
