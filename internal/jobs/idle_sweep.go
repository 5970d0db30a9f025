package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// IdleExpirer is satisfied by *service.SessionCoordinator.
type IdleExpirer interface {
	ExpireIdle(ctx context.Context) int
	RenewLeases(ctx context.Context) (int64, error)
}

// IdleSweepJob periodically asks the coordinator to end idle sessions and
// then renews the lease on the ones it still serves. The coordinator routes
// each idle check through the session's own actor.
type IdleSweepJob struct {
	expirer  IdleExpirer
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

func NewIdleSweepJob(expirer IdleExpirer, interval time.Duration) *IdleSweepJob {
	return &IdleSweepJob{
		expirer:  expirer,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (j *IdleSweepJob) Start() {
	go func() {
		defer close(j.stopped)
		runEvery(j.interval, j.done, j.sweep)
	}()
	log.Info().Dur("interval", j.interval).Msg("idle sweep job started")
}

func (j *IdleSweepJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("idle sweep job stopped")
}

func (j *IdleSweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	if n := j.expirer.ExpireIdle(ctx); n > 0 {
		log.Info().Int("count", n).Msg("ended idle sessions")
	}
	if _, err := j.expirer.RenewLeases(ctx); err != nil {
		log.Error().Err(err).Msg("failed to renew session leases")
	}
}
