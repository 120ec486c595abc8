package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/scheduler"
)

// HandleSignal applies a worker lifecycle signal. Writes from a session that
// has been reclaimed or superseded fail with *scheduler.StaleGenerationError;
// the store has already recorded the rejection in the task's history.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig scheduler.WorkerSignal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if err := o.checkSignalTask(ctx, sig); err != nil {
		return err
	}

	now := o.now()
	var err error
	switch sig.Kind {
	case scheduler.SignalSpawned:
		err = o.store.MarkSessionRunning(ctx, sig.SessionID, sig.Generation, now)
	case scheduler.SignalHeartbeat:
		err = o.store.RecordHeartbeat(ctx, sig.SessionID, sig.Generation, now)
	case scheduler.SignalCompleted:
		var t *scheduler.Task
		t, err = o.store.CompleteTask(ctx, sig.SessionID, sig.Generation, now)
		if err == nil {
			var took time.Duration
			if t.StartedAt != nil {
				took = now.Sub(*t.StartedAt)
			}
			o.logger.Info("task completed", "task", t.DisplayID, "session", sig.SessionID, "duration", took)
			o.bus.Publish(events.TaskCompletedEvent{
				ID:        t.ID,
				DisplayID: t.DisplayID,
				SessionID: sig.SessionID,
				Duration:  took,
				Timestamp: now,
			})
		}
	case scheduler.SignalFailed:
		_, err = o.HandleFailure(ctx, sig.SessionID, sig.Generation, sig.Error)
	}

	var stale *scheduler.StaleGenerationError
	if errors.As(err, &stale) {
		o.logger.Warn("stale signal rejected", "kind", sig.Kind, "session", sig.SessionID,
			"generation", stale.Got, "current", stale.Current)
	}
	return err
}

// checkSignalTask rejects a signal whose task does not belong to its session.
func (o *Orchestrator) checkSignalTask(ctx context.Context, sig scheduler.WorkerSignal) error {
	if sig.TaskID == "" {
		return nil
	}
	sess, err := o.store.GetSession(ctx, sig.SessionID)
	if err != nil {
		return err
	}
	if sess.TaskID == sig.TaskID {
		return nil
	}
	t, err := o.store.GetTask(ctx, sig.TaskID)
	if err != nil {
		return err
	}
	if t.ID != sess.TaskID {
		return fmt.Errorf("signal for task %s does not match session %s", sig.TaskID, sig.SessionID)
	}
	return nil
}
