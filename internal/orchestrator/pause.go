package orchestrator

import "context"

// Pause stops work assignment from the next cycle on. The flag lives in the
// store, so a separate admin process can pause a running scheduler.
func (o *Orchestrator) Pause(ctx context.Context) error {
	if err := o.store.SetPaused(ctx, true, o.now()); err != nil {
		return err
	}
	o.logger.Info("scheduler paused")
	return nil
}

// Resume clears the pause flag.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if err := o.store.SetPaused(ctx, false, o.now()); err != nil {
		return err
	}
	o.logger.Info("scheduler resumed")
	return nil
}

// Paused reports the persisted pause flag.
func (o *Orchestrator) Paused(ctx context.Context) (bool, error) {
	return o.store.Paused(ctx)
}
