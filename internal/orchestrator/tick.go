package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/scheduler"
)

// Tick phases, in execution order.
const (
	PhaseBudget      = "budget"
	PhaseHealth      = "health"
	PhaseMaintenance = "maintenance"
	PhaseProgression = "progression"
	PhaseAssign      = "assign"
	PhaseBookkeeping = "bookkeeping"
)

// ErrTickInProgress is returned when a tick starts while another is running.
var ErrTickInProgress = errors.New("previous tick still running")

// CycleReport summarizes one tick.
type CycleReport struct {
	Cycle       int64
	Paused      bool
	Maintenance bool
	Claimed     int
	Reclaimed   int
	Phases      []events.PhaseTiming
	Duration    time.Duration
}

// cycle carries the state of one tick between phases.
type cycle struct {
	report      *CycleReport
	now         time.Time
	allowAssign bool
}

// Tick runs one scheduling cycle. Phase failures are logged and do not stop
// later phases, except when the store is unreachable: then the cycle aborts
// and the error wraps scheduler.ErrStoreUnavailable.
func (o *Orchestrator) Tick(ctx context.Context) (*CycleReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		o.logger.Debug("tick skipped, previous cycle still running")
		return nil, ErrTickInProgress
	}
	defer o.running.Store(false)

	start := time.Now()
	c := &cycle{report: &CycleReport{}, now: o.now(), allowAssign: true}

	if err := o.store.Ping(ctx); err != nil {
		o.logger.Warn("store unavailable, skipping cycle", "err", err)
		return c.report, fmt.Errorf("%w: %w", scheduler.ErrStoreUnavailable, err)
	}

	paused, err := o.store.Paused(ctx)
	if err != nil {
		return c.report, o.abort(err)
	}
	if paused {
		c.report.Paused = true
		c.report.Duration = time.Since(start)
		o.logPausedStatus(ctx)
		o.bus.Publish(events.TickCompletedEvent{Paused: true, Duration: c.report.Duration, Timestamp: c.now})
		return c.report, nil
	}

	count, err := o.tickCount(ctx)
	if err != nil {
		return c.report, o.abort(err)
	}
	c.report.Cycle = count + 1
	c.report.Maintenance = c.report.Cycle%int64(o.cfg.Tick.MaintenanceEvery) == 0

	phases := []struct {
		name string
		skip bool
		fn   func(context.Context, *cycle) error
	}{
		{PhaseBudget, o.budget == nil, o.checkBudget},
		{PhaseHealth, false, o.sweepHealth},
		{PhaseMaintenance, !c.report.Maintenance, o.maintain},
		{PhaseProgression, false, o.progressWaves},
		{PhaseAssign, false, o.assign},
		{PhaseBookkeeping, false, o.bookkeep},
	}
	for _, p := range phases {
		if p.skip {
			continue
		}
		if p.name == PhaseAssign && !c.allowAssign {
			continue
		}
		if err := o.runPhase(ctx, c, p.name, p.fn); err != nil && errors.Is(err, scheduler.ErrStoreUnavailable) {
			o.logger.Warn("store unavailable, aborting cycle", "cycle", c.report.Cycle, "phase", p.name, "err", err)
			return c.report, err
		}
	}

	c.report.Duration = time.Since(start)
	o.bus.Publish(events.TickCompletedEvent{
		Cycle:     c.report.Cycle,
		Claimed:   c.report.Claimed,
		Reclaimed: c.report.Reclaimed,
		Duration:  c.report.Duration,
		Phases:    c.report.Phases,
		Timestamp: c.now,
	})
	o.logger.Debug("tick completed", "cycle", c.report.Cycle, "claimed", c.report.Claimed,
		"reclaimed", c.report.Reclaimed, "duration", c.report.Duration)
	return c.report, nil
}

// runPhase runs fn, converting a panic into a *scheduler.PhaseExecutionError.
func (o *Orchestrator) runPhase(ctx context.Context, c *cycle, name string, fn func(context.Context, *cycle) error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &scheduler.PhaseExecutionError{Phase: name, Elapsed: time.Since(start), Err: fmt.Errorf("panic: %v", r)}
		}
		timing := events.PhaseTiming{Phase: name, Duration: time.Since(start)}
		if err != nil {
			var pe *scheduler.PhaseExecutionError
			if !errors.As(err, &pe) {
				err = &scheduler.PhaseExecutionError{Phase: name, Elapsed: timing.Duration, Err: err}
			}
			timing.Err = err.Error()
			o.logger.Error("tick phase failed", "phase", name, "elapsed", timing.Duration, "err", err)
		}
		c.report.Phases = append(c.report.Phases, timing)
	}()
	return fn(ctx, c)
}

func (o *Orchestrator) abort(err error) error {
	if !errors.Is(err, scheduler.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", scheduler.ErrStoreUnavailable, err)
	}
	o.logger.Warn("store unavailable, aborting cycle", "err", err)
	return err
}

func (o *Orchestrator) tickCount(ctx context.Context) (int64, error) {
	v, ok, err := o.store.GetState(ctx, persistence.StateTickCount)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt tick count %q: %w", v, err)
	}
	return n, nil
}

func (o *Orchestrator) checkBudget(ctx context.Context, c *cycle) error {
	ok, reason, err := o.budget.CheckBudget(ctx)
	if err != nil {
		// Without an answer, hold off on new work.
		c.allowAssign = false
		return err
	}
	if !ok {
		c.allowAssign = false
		o.logger.Info("budget exhausted, not assigning work", "reason", reason)
	}
	return nil
}

func (o *Orchestrator) bookkeep(ctx context.Context, c *cycle) error {
	n, err := o.store.IncrementTickCount(ctx, c.now)
	if err != nil {
		return err
	}
	c.report.Cycle = n
	summary := fmt.Sprintf("cycle=%d claimed=%d reclaimed=%d at=%s",
		n, c.report.Claimed, c.report.Reclaimed, c.now.Format(time.RFC3339))
	return o.store.PutState(ctx, persistence.StateLastCycle, summary, c.now)
}

func (o *Orchestrator) logPausedStatus(ctx context.Context) {
	counts, err := o.store.CountTasksByStatus(ctx, "")
	if err != nil {
		o.logger.Info("scheduler paused")
		return
	}
	o.logger.Info("scheduler paused",
		"pending", counts[scheduler.TaskPending],
		"in_progress", counts[scheduler.TaskInProgress],
		"completed", counts[scheduler.TaskCompleted],
		"failed", counts[scheduler.TaskFailed])
}

// Run ticks immediately and then every tick.interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("scheduler started", "interval", o.cfg.Tick.Interval, "workers", o.workerTypes)
	ticker := time.NewTicker(o.cfg.Tick.Interval)
	defer ticker.Stop()

	o.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("scheduler stopping")
			o.Wait()
			return nil
		case <-ticker.C:
			o.runTick(ctx)
		}
	}
}

func (o *Orchestrator) runTick(ctx context.Context) {
	if _, err := o.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) && ctx.Err() == nil {
		o.logger.Warn("tick failed", "err", err)
	}
}
