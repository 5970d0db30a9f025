package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository/repofakes"
)

func TestCleanupJob_DeletesOnlyOldTerminalSessions(t *testing.T) {
	ctx := context.Background()
	store := repofakes.NewStore()
	store.SeedAccount("acc-1", 10)
	sessions := store.Sessions()

	now := time.Now()
	ended := model.EndReasonDisconnected
	create := func(id string, state model.SessionState, endedAt *time.Time) {
		_, err := sessions.Create(ctx, model.CreateSessionParams{
			ID: id, AccountID: "acc-1", StartedAt: now.Add(-72 * time.Hour), OwnerInstance: "inst-a",
		})
		require.NoError(t, err)
		params := model.UpdateSessionParams{
			ID: id, OwnerInstance: "inst-a", State: state, TurnOwner: model.TurnOwnerNone,
			LastActivityAt: now, EndedAt: endedAt, LeaseExpiresAt: now.Add(time.Minute),
		}
		if endedAt != nil {
			params.EndReason = &ended
		}
		require.NoError(t, sessions.Update(ctx, params))
	}
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	create("old-ended", model.SessionStateEnded, &old)
	create("recent-ended", model.SessionStateEnded, &recent)
	create("live", model.SessionStateListening, nil)

	job := NewCleanupJob(sessions, 24*time.Hour, time.Hour)
	job.nowFunc = func() time.Time { return now }
	job.cleanup()

	s, err := sessions.FindByID(ctx, "old-ended")
	require.NoError(t, err)
	assert.Nil(t, s)
	s, err = sessions.FindByID(ctx, "recent-ended")
	require.NoError(t, err)
	assert.NotNil(t, s)
	s, err = sessions.FindByID(ctx, "live")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Nil(t, s.EndedAt)
}

func TestCleanupJob_ClosesSessionsWithLapsedLease(t *testing.T) {
	ctx := context.Background()
	store := repofakes.NewStore()
	store.SeedAccount("acc-1", 10)
	sessions := store.Sessions()
	now := time.Now()

	_, err := sessions.Create(ctx, model.CreateSessionParams{
		ID: "abandoned", AccountID: "acc-1", StartedAt: now.Add(-time.Hour),
		OwnerInstance: "gone", LeaseExpiresAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	_, err = sessions.Create(ctx, model.CreateSessionParams{
		ID: "served", AccountID: "acc-1", StartedAt: now.Add(-time.Hour),
		OwnerInstance: "alive", LeaseExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	job := NewCleanupJob(sessions, 24*time.Hour, time.Hour)
	job.nowFunc = func() time.Time { return now }
	job.cleanup()

	s, err := sessions.FindByID(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateEnded, s.State)
	require.NotNil(t, s.EndReason)
	assert.Equal(t, model.EndReasonShutdown, *s.EndReason)

	s, err = sessions.FindByID(ctx, "served")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateConnected, s.State)
}

func TestCleanupJob_runCleanup(t *testing.T) {
	job := &CleanupJob{}
	ctx := context.Background()

	t.Run("handles successful cleanup", func(t *testing.T) {
		called := false
		job.runCleanup(ctx, "test", func(ctx context.Context) (int64, error) {
			called = true
			return 5, nil
		})
		assert.True(t, called)
	})

	t.Run("handles cleanup error", func(t *testing.T) {
		called := false
		job.runCleanup(ctx, "test", func(ctx context.Context) (int64, error) {
			called = true
			return 0, errors.New("storage unavailable")
		})
		assert.True(t, called)
	})
}

type countingExpirer struct {
	mu       sync.Mutex
	calls    int
	renewals int
}

func (c *countingExpirer) ExpireIdle(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 1
}

func (c *countingExpirer) RenewLeases(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewals++
	return 1, nil
}

func (c *countingExpirer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestIdleSweepJob_RunsUntilStopped(t *testing.T) {
	expirer := &countingExpirer{}
	job := NewIdleSweepJob(expirer, 10*time.Millisecond)

	job.Start()
	require.Eventually(t, func() bool { return expirer.count() >= 3 }, time.Second, 5*time.Millisecond)
	job.Stop()

	after := expirer.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, expirer.count())

	expirer.mu.Lock()
	defer expirer.mu.Unlock()
	assert.Equal(t, expirer.calls, expirer.renewals)
}

func TestRunEvery_RunsImmediately(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		runEvery(time.Hour, done, func() { calls.Add(1) })
		close(finished)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(done)
	<-finished
}
