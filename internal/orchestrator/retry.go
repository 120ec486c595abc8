package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/scheduler"
)

// HandleFailure records a failure reported by the worker holding sessionID.
// The task is requeued with a cooldown, or failed for good once its retries
// are exhausted; in that case the notifier is told asynchronously.
func (o *Orchestrator) HandleFailure(ctx context.Context, sessionID string, generation int64, reason string) (*persistence.FailureOutcome, error) {
	if reason == "" {
		reason = "worker reported failure"
	}
	now := o.now()
	out, err := o.store.FailTask(ctx, sessionID, generation, reason, o.policy, now)
	if err != nil {
		return nil, err
	}
	o.reportFailure(sessionID, out, reason, now)
	return out, nil
}

// reportFailure publishes task:failed and escalates terminal failures.
func (o *Orchestrator) reportFailure(sessionID string, out *persistence.FailureOutcome, reason string, now time.Time) {
	t := out.Task
	o.bus.Publish(events.TaskFailedEvent{
		ID:        t.ID,
		DisplayID: t.DisplayID,
		SessionID: sessionID,
		Err:       reason,
		Retries:   t.RetryCount,
		Terminal:  out.Terminal,
		Cooldown:  out.Cooldown,
		Timestamp: now,
	})

	if !out.Terminal {
		o.logger.Info("task requeued", "task", t.DisplayID, "retries", t.RetryCount, "cooldown", out.Cooldown)
		return
	}
	o.logger.Error("task retries exhausted", "task", t.DisplayID, "retries", t.RetryCount, "err", reason)
	exhausted := out.Err
	if exhausted == nil {
		exhausted = &scheduler.RetryExhaustedError{TaskID: t.ID, DisplayID: t.DisplayID, Retries: t.RetryCount, LastError: reason}
	}
	o.notifier.send(exhausted)
}

// maintain runs the periodic housekeeping: it releases cooled-down tasks back
// to the retry-ready pool, archives idle sessions, expires the conflict cache
// and runs any extra jobs.
func (o *Orchestrator) maintain(ctx context.Context, c *cycle) error {
	var errs []error
	collect := func(err error) bool {
		if err == nil {
			return true
		}
		errs = append(errs, err)
		return !errors.Is(err, scheduler.ErrStoreUnavailable)
	}

	ready, err := o.store.ReleaseCooledDown(ctx, c.now)
	if !collect(err) {
		return errors.Join(errs...)
	}
	archived, err := o.store.ArchiveIdleSessions(ctx, c.now.Add(-o.cfg.Health.IdlePurgeAfter))
	if !collect(err) {
		return errors.Join(errs...)
	}
	expired, err := o.store.ExpireConflictCache(ctx, c.now)
	if !collect(err) {
		return errors.Join(errs...)
	}
	if ready+archived+expired > 0 {
		o.logger.Info("maintenance", "retry_ready", ready, "sessions_archived", archived, "cache_expired", expired)
	}

	for _, job := range o.jobs {
		if err := job.Run(ctx, c.now); err != nil {
			if !collect(fmt.Errorf("maintenance job %s: %w", job.Name(), err)) {
				break
			}
		}
	}
	return errors.Join(errs...)
}
