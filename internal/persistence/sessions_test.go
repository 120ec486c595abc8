package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimOne(t *testing.T, s Store, worker string, now time.Time) *Claim {
	t.Helper()
	c, err := s.ClaimTask(context.Background(), claimReq(worker, now))
	require.NoError(t, err)
	require.NotNil(t, c, "expected an eligible task")
	return c
}

func historyKinds(t *testing.T, s Store, taskID string) []string {
	t.Helper()
	events, err := s.TaskHistory(context.Background(), taskID)
	require.NoError(t, err)
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestSessionLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	task := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)

	c := claimOne(t, store, "w1", t0)
	require.NoError(t, store.MarkSessionRunning(ctx, c.Session.ID, 0, t0.Add(time.Second)))

	sess, err := store.GetSession(ctx, c.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SessionRunning, sess.Status)
	require.NotNil(t, sess.LastHeartbeat)

	beat := t0.Add(30 * time.Second)
	require.NoError(t, store.RecordHeartbeat(ctx, c.Session.ID, c.Session.Generation, beat))
	sess, err = store.GetSession(ctx, c.Session.ID)
	require.NoError(t, err)
	assert.True(t, sess.LastActivity().Equal(beat))

	done, err := store.CompleteTask(ctx, c.Session.ID, c.Session.Generation, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskCompleted, done.Status)
	assert.Empty(t, done.WorkerID)
	require.NotNil(t, done.CompletedAt)

	sess, err = store.GetSession(ctx, c.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SessionTerminated, sess.Status)

	active, err := store.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Equal(t, []string{"created", "claimed", "completed"}, historyKinds(t, store, task.ID))
}

func TestFailTask_RequeuesWithCooldown(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	task := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)
	policy := scheduler.DefaultRetryPolicy()

	c := claimOne(t, store, "w1", t0)
	out, err := store.FailTask(ctx, c.Session.ID, c.Session.Generation, "compile error", policy, t0)
	require.NoError(t, err)
	assert.False(t, out.Terminal)
	assert.Nil(t, out.Err)
	assert.Equal(t, policy.Cooldown(task.ID, 0), out.Cooldown)
	assert.GreaterOrEqual(t, out.Cooldown, policy.Base)

	assert.Equal(t, scheduler.TaskPending, out.Task.Status)
	assert.Equal(t, 1, out.Task.RetryCount)
	assert.Equal(t, "compile error", out.Task.LastError)
	assert.Nil(t, out.Task.StartedAt)
	require.NotNil(t, out.Task.CooldownUntil)
	assert.True(t, out.Task.CooldownUntil.Equal(t0.Add(out.Cooldown).Truncate(time.Millisecond)))

	// Still cooling down.
	none, err := store.ClaimTask(ctx, claimReq("w2", t0.Add(out.Cooldown/2)))
	require.NoError(t, err)
	assert.Nil(t, none)

	released, err := store.ReleaseCooledDown(ctx, t0.Add(out.Cooldown))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	again := claimOne(t, store, "w2", t0.Add(out.Cooldown))
	assert.Equal(t, task.ID, again.Task.ID)
	assert.Equal(t, int64(2), again.Task.Generation)
	assert.Nil(t, again.Task.CooldownUntil)
}

// Five consecutive failures with the default policy fail the task for good.
func TestFailTask_ExhaustsRetries(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	task := seedTask(t, store, list.ID, "flaky", scheduler.CategoryFeature, scheduler.P2)
	policy := scheduler.DefaultRetryPolicy()

	now := t0
	var out *FailureOutcome
	for i := 1; i <= policy.MaxRetries; i++ {
		c := claimOne(t, store, "w1", now)
		var err error
		out, err = store.FailTask(ctx, c.Session.ID, c.Session.Generation, "boom", policy, now)
		require.NoError(t, err)
		assert.Equal(t, i, out.Task.RetryCount)
		if i < policy.MaxRetries {
			assert.False(t, out.Terminal, "failure %d", i)
			assert.LessOrEqual(t, out.Cooldown, policy.Cap)
		}
		now = now.Add(time.Hour)
	}

	require.True(t, out.Terminal)
	require.NotNil(t, out.Err)
	assert.Equal(t, task.ID, out.Err.TaskID)
	assert.Equal(t, policy.MaxRetries, out.Err.Retries)
	assert.Equal(t, "boom", out.Err.LastError)
	assert.Equal(t, scheduler.TaskFailed, out.Task.Status)

	c, err := store.ClaimTask(ctx, claimReq("w1", now.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.Nil(t, c, "a failed task is never claimable")
}

// A stuck worker is reclaimed; its late completion is rejected and the task
// can be claimed by another worker under a newer generation.
func TestReclaimSession_RejectsLateWrites(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	task := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)
	policy := scheduler.DefaultRetryPolicy()

	first := claimOne(t, store, "w1", t0)
	require.NoError(t, store.MarkSessionRunning(ctx, first.Session.ID, first.Session.Generation, t0))

	later := t0.Add(20 * time.Minute)
	out, err := store.ReclaimSession(ctx, first.Session.ID, "no heartbeat for 20m", policy, later)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, scheduler.TaskPending, out.Task.Status)
	assert.Equal(t, 1, out.Task.RetryCount)

	sess, err := store.GetSession(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SessionTerminated, sess.Status)
	assert.Equal(t, scheduler.HealthStuck, sess.Health)

	_, err = store.CompleteTask(ctx, first.Session.ID, first.Session.Generation, later.Add(time.Second))
	var stale *scheduler.StaleGenerationError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, task.ID, stale.TaskID)

	cur, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, cur.Status, "late completion must not change the task")

	second := claimOne(t, store, "w2", later.Add(out.Cooldown))
	assert.Equal(t, int64(2), second.Task.Generation)

	// The old worker now reports with its old generation against the new claim's task.
	err = store.RecordHeartbeat(ctx, first.Session.ID, first.Session.Generation, later.Add(out.Cooldown))
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(1), stale.Got)
	assert.Equal(t, int64(2), stale.Current)

	kinds := historyKinds(t, store, task.ID)
	assert.Equal(t, []string{"created", "claimed", "reclaimed", "stale_rejected", "claimed", "stale_rejected"}, kinds)

	_, err = store.CompleteTask(ctx, second.Session.ID, second.Session.Generation, later.Add(out.Cooldown+time.Minute))
	require.NoError(t, err)
}

func TestReclaimSession_TerminalSessionIsNoop(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)

	c := claimOne(t, store, "w1", t0)
	_, err := store.CompleteTask(ctx, c.Session.ID, c.Session.Generation, t0)
	require.NoError(t, err)

	out, err := store.ReclaimSession(ctx, c.Session.ID, "late", scheduler.DefaultRetryPolicy(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestReleaseClaim_NoRetryPenalty(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	task := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)

	c := claimOne(t, store, "w1", t0)
	require.NoError(t, store.ReleaseClaim(ctx, c.Session.ID, "spawn failed", t0))

	cur, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, cur.Status)
	assert.Equal(t, 0, cur.RetryCount)
	assert.Nil(t, cur.CooldownUntil)

	// Releasing twice is harmless.
	require.NoError(t, store.ReleaseClaim(ctx, c.Session.ID, "spawn failed", t0))

	again := claimOne(t, store, "w2", t0)
	assert.Equal(t, task.ID, again.Task.ID)
}

func TestMarkSessionHealth(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)

	c := claimOne(t, store, "w1", t0)
	require.NoError(t, store.MarkSessionHealth(ctx, c.Session.ID, scheduler.HealthStale))
	sess, err := store.GetSession(ctx, c.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.HealthStale, sess.Health)

	// A heartbeat restores health.
	require.NoError(t, store.RecordHeartbeat(ctx, c.Session.ID, 0, t0.Add(time.Minute)))
	sess, err = store.GetSession(ctx, c.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.HealthHealthy, sess.Health)

	assert.ErrorIs(t, store.MarkSessionHealth(ctx, "missing", scheduler.HealthStuck), scheduler.ErrNotFound)
}

func TestArchiveIdleSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)
	seedTask(t, store, list.ID, "B", scheduler.CategoryFeature, scheduler.P2)

	done := claimOne(t, store, "w1", t0)
	_, err := store.CompleteTask(ctx, done.Session.ID, done.Session.Generation, t0.Add(time.Minute))
	require.NoError(t, err)
	running := claimOne(t, store, "w2", t0)

	n, err := store.ArchiveIdleSessions(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "completed after the cutoff")

	n, err = store.ArchiveIdleSessions(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "active sessions are never archived")

	sess, err := store.GetSession(ctx, done.Session.ID)
	require.NoError(t, err)
	assert.True(t, sess.Archived)

	sess, err = store.GetSession(ctx, running.Session.ID)
	require.NoError(t, err)
	assert.False(t, sess.Archived)
}
