package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/scheduler"
)

func TestClassifyHealth(t *testing.T) {
	beat := t0.Add(5 * time.Minute)
	tests := []struct {
		name    string
		session scheduler.AgentSession
		now     time.Time
		want    scheduler.Health
	}{
		{"fresh start", scheduler.AgentSession{StartedAt: t0}, t0.Add(time.Minute), scheduler.HealthHealthy},
		{"just under stale", scheduler.AgentSession{StartedAt: t0}, t0.Add(15*time.Minute - time.Second), scheduler.HealthHealthy},
		{"stale boundary", scheduler.AgentSession{StartedAt: t0}, t0.Add(15 * time.Minute), scheduler.HealthStale},
		{"stuck boundary", scheduler.AgentSession{StartedAt: t0}, t0.Add(30 * time.Minute), scheduler.HealthStuck},
		{"heartbeat resets age", scheduler.AgentSession{StartedAt: t0, LastHeartbeat: &beat}, t0.Add(31 * time.Minute), scheduler.HealthStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ClassifyHealth(&tt.session, tt.now, 15*time.Minute, 30*time.Minute)
			assert.Equal(t, tt.want, got)
		})
	}
}

// A worker whose last heartbeat is 31 minutes old is disowned and its task
// requeued with one retry and a running cooldown.
func TestHealthSweep_ReclaimsStuckAgent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	l := h.list(t, "api")
	task := h.task(t, l.ID, "A")

	h.tick(t)
	claimed := h.dispatcher.assignments()
	require.Len(t, claimed, 1)
	sessionID := claimed[0].SessionID
	require.NoError(t, h.o.HandleSignal(ctx, scheduler.WorkerSignal{Kind: scheduler.SignalHeartbeat, SessionID: sessionID}))
	h.drain()

	h.clock.Advance(31 * time.Minute)
	report := h.tick(t)
	assert.Equal(t, 1, report.Reclaimed)

	sess, err := h.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SessionTerminated, sess.Status)

	cur := h.get(t, task.ID)
	assert.Equal(t, scheduler.TaskPending, cur.Status)
	assert.Equal(t, 1, cur.RetryCount)
	assert.Empty(t, cur.WorkerID)
	require.NotNil(t, cur.CooldownUntil)
	assert.True(t, cur.CooldownUntil.After(h.clock.Now()), "cooldown window has started")
	assert.Equal(t, 0, report.Claimed, "the task is cooling down")

	evs := h.drain()
	reclaimed := eventsOf[events.AgentReclaimedEvent](evs)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, task.ID, reclaimed[0].ID)
	assert.Equal(t, sessionID, reclaimed[0].SessionID)
	assert.Contains(t, reclaimed[0].Reason, "stuck")
	assert.False(t, reclaimed[0].Terminal)
	failed := eventsOf[events.TaskFailedEvent](evs)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Retries)

	// The disowned worker finally reports back and is rejected.
	err = h.o.HandleSignal(ctx, scheduler.WorkerSignal{
		Kind: scheduler.SignalCompleted, SessionID: sessionID, Generation: claimed[0].Generation,
	})
	var stale *scheduler.StaleGenerationError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, scheduler.TaskPending, h.get(t, task.ID).Status)

	// After the cooldown the task is claimed again under a new generation.
	h.clock.Advance(cur.CooldownUntil.Sub(h.clock.Now()) + time.Second)
	report = h.tick(t)
	assert.Equal(t, 1, report.Claimed)
	again := h.dispatcher.assignments()
	require.Len(t, again, 2)
	assert.Equal(t, int64(2), again[1].Generation)
}

func TestHealthSweep_FlagsStaleOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	l := h.list(t, "api")
	h.task(t, l.ID, "A")

	h.tick(t)
	sessionID := h.dispatcher.assignments()[0].SessionID
	h.drain()

	h.clock.Advance(16 * time.Minute)
	h.tick(t)
	h.clock.Advance(time.Minute)
	h.tick(t)

	stale := eventsOf[events.AgentStaleEvent](h.drain())
	require.Len(t, stale, 1, "stale is reported once per episode")
	assert.Equal(t, sessionID, stale[0].SessionID)

	sess, err := h.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.HealthStale, sess.Health)
	assert.Equal(t, scheduler.SessionSpawning, sess.Status, "stale sessions keep their work")

	// A heartbeat brings the session back.
	require.NoError(t, h.o.HandleSignal(ctx, scheduler.WorkerSignal{Kind: scheduler.SignalHeartbeat, SessionID: sessionID}))
	sess, err = h.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.HealthHealthy, sess.Health)
	assert.Equal(t, scheduler.SessionRunning, sess.Status)
}
