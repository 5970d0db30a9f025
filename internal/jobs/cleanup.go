package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
)

// CleanupJob closes sessions orphaned by an instance whose lease lapsed and
// archives terminal sessions once they are older than the retention window.
// Ledger entries and payment events are never removed.
type CleanupJob struct {
	sessionRepo repository.SessionRepository
	retention   time.Duration
	interval    time.Duration
	nowFunc     func() time.Time
	done        chan struct{}
	stopped     chan struct{}
}

func NewCleanupJob(sessionRepo repository.SessionRepository, retention, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		sessionRepo: sessionRepo,
		retention:   retention,
		interval:    interval,
		nowFunc:     time.Now,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go func() {
		defer close(j.stopped)
		runEvery(j.interval, j.done, j.cleanup)
	}()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := j.nowFunc()
	j.runCleanup(ctx, "orphaned sessions", func(ctx context.Context) (int64, error) {
		return j.sessionRepo.EndExpiredLeases(ctx, model.EndReasonShutdown, now)
	})

	cutoff := now.Add(-j.retention)
	j.runCleanup(ctx, "ended sessions", func(ctx context.Context) (int64, error) {
		return j.sessionRepo.DeleteEndedBefore(ctx, cutoff)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}

// runEvery calls fn immediately and then on every tick until done closes.
func runEvery(interval time.Duration, done <-chan struct{}, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fn()
		}
	}
}
