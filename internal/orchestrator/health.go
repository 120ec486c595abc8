package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/scheduler"
)

// ClassifyHealth grades a session by the time since its last sign of life:
// healthy below staleAfter, stale below stuckAfter, stuck from there on.
func ClassifyHealth(s *scheduler.AgentSession, now time.Time, staleAfter, stuckAfter time.Duration) (scheduler.Health, time.Duration) {
	silence := now.Sub(s.LastActivity())
	switch {
	case silence >= stuckAfter:
		return scheduler.HealthStuck, silence
	case silence >= staleAfter:
		return scheduler.HealthStale, silence
	default:
		return scheduler.HealthHealthy, silence
	}
}

// sweepHealth grades every active session. Stale sessions are flagged once;
// stuck sessions are terminated and their tasks requeued with a retry, or
// failed when retries run out.
func (o *Orchestrator) sweepHealth(ctx context.Context, c *cycle) error {
	sessions, err := o.store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range sessions {
		health, silence := ClassifyHealth(s, c.now, o.cfg.Health.StaleAfter, o.cfg.Health.StuckAfter)
		switch health {
		case scheduler.HealthStuck:
			reclaimed, err := o.reclaim(ctx, s, silence, c.now)
			if err != nil {
				if errors.Is(err, scheduler.ErrStoreUnavailable) {
					return err
				}
				errs = append(errs, err)
				continue
			}
			if reclaimed {
				c.report.Reclaimed++
			}
		case scheduler.HealthStale:
			if s.Health == scheduler.HealthStale {
				continue
			}
			if err := o.store.MarkSessionHealth(ctx, s.ID, scheduler.HealthStale); err != nil {
				errs = append(errs, err)
				continue
			}
			o.logger.Warn("agent session stale", "session", s.ID, "task", s.TaskID, "worker", s.WorkerID,
				"silence", silence.Round(time.Second))
			o.bus.Publish(events.AgentStaleEvent{ID: s.TaskID, SessionID: s.ID, Silence: silence, Timestamp: c.now})
		default:
			if s.Health != scheduler.HealthHealthy {
				if err := o.store.MarkSessionHealth(ctx, s.ID, scheduler.HealthHealthy); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// reclaim disowns a stuck session. A session that ended in the meantime is
// left alone and reported as not reclaimed.
func (o *Orchestrator) reclaim(ctx context.Context, s *scheduler.AgentSession, silence time.Duration, now time.Time) (bool, error) {
	stuck := &scheduler.StuckAgentError{SessionID: s.ID, TaskID: s.TaskID, Silence: silence}
	out, err := o.store.ReclaimSession(ctx, s.ID, stuck.Error(), o.policy, now)
	if err != nil || out == nil {
		return false, err
	}

	o.logger.Warn("reclaimed stuck agent", "session", s.ID, "task", out.Task.DisplayID, "worker", s.WorkerID,
		"silence", silence.Round(time.Second), "retries", out.Task.RetryCount, "terminal", out.Terminal)
	o.bus.Publish(events.AgentReclaimedEvent{
		ID:        s.TaskID,
		SessionID: s.ID,
		Reason:    stuck.Error(),
		Terminal:  out.Terminal,
		Timestamp: now,
	})
	o.reportFailure(s.ID, out, stuck.Error(), now)
	return true, nil
}
