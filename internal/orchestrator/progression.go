package orchestrator

import (
	"context"
	"errors"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/scheduler"
)

// progressWaves closes finished waves and opens the next one on every active
// list. A list being re-planned is skipped until the next cycle.
func (o *Orchestrator) progressWaves(ctx context.Context, c *cycle) error {
	lists, err := o.store.ActiveLists(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, l := range lists {
		if !o.locks.TryLock(l.ID) {
			o.logger.Debug("list is being planned, skipping progression", "list", l.Name)
			continue
		}
		err := o.advanceList(ctx, l, c)
		o.locks.Unlock(l.ID)
		if err != nil {
			if errors.Is(err, scheduler.ErrStoreUnavailable) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// advanceList advances as far as the list allows in one go: a wave whose tasks
// were all finished or skipped before it started closes immediately.
func (o *Orchestrator) advanceList(ctx context.Context, l *scheduler.TaskList, c *cycle) error {
	for {
		adv, err := o.store.AdvanceWave(ctx, l.ID, c.now)
		if err != nil || adv == nil {
			return err
		}

		failed := adv.Status == scheduler.WaveFailed
		if failed {
			o.logger.Warn("wave finished with failures", "list", l.Name, "wave", adv.Completed)
		} else {
			o.logger.Info("wave completed", "list", l.Name, "wave", adv.Completed)
		}
		o.bus.Publish(events.WaveCompletedEvent{
			ListID:       l.ID,
			RunID:        adv.RunID,
			Wave:         adv.Completed,
			Failed:       failed,
			RunCompleted: adv.RunCompleted,
			Timestamp:    c.now,
		})

		if adv.RunCompleted {
			o.logger.Info("wave run completed", "list", l.Name, "run", adv.RunID)
			return nil
		}
		o.bus.Publish(events.WaveStartedEvent{ListID: l.ID, RunID: adv.RunID, Wave: adv.Started, Timestamp: c.now})
	}
}
