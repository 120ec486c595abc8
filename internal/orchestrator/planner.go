package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/scheduler"
)

// planStatuses are the task statuses a planning pass assigns waves to. Tasks
// already in progress are included but pinned during conflict resolution.
var planStatuses = []scheduler.TaskStatus{
	scheduler.TaskPending,
	scheduler.TaskReady,
	scheduler.TaskBlocked,
	scheduler.TaskInProgress,
}

// PlanResult is the outcome of planning one list.
type PlanResult struct {
	List      *scheduler.TaskList
	Run       *scheduler.WaveRun
	Plan      *scheduler.Plan
	Conflicts []scheduler.FileConflictError
	Cycle     *scheduler.DependencyCycleError // Set when some tasks were left unplanned
}

// PlanList computes waves for a list, resolves same-wave file conflicts and
// persists the result as a new wave run. A dependency cycle does not fail the
// pass: the tasks on or behind it stay unplanned and are reported in
// PlanResult.Cycle. When conflict resolution exhausts its cap the list is held
// for manual review and the error wraps scheduler.ErrConflictLoopExhausted.
func (o *Orchestrator) PlanList(ctx context.Context, listIDOrName string) (*PlanResult, error) {
	list, err := o.store.GetList(ctx, listIDOrName)
	if err != nil {
		return nil, err
	}

	o.locks.Lock(list.ID)
	defer o.locks.Unlock(list.ID)

	now := o.now()
	res := &PlanResult{List: list}

	tasks, err := o.store.ListTasks(ctx, persistence.TaskFilter{ListID: list.ID, Statuses: planStatuses})
	if err != nil {
		return nil, err
	}
	edges, err := o.store.ListEdges(ctx, list.ID)
	if err != nil {
		return nil, err
	}

	graph := scheduler.NewGraph(tasks, edges)
	plan, err := graph.Plan(scheduler.PlanOptions{MaxWaves: o.cfg.Planner.MaxWaves})
	var cycle *scheduler.DependencyCycleError
	switch {
	case errors.As(err, &cycle):
		res.Cycle = cycle
		o.logger.Warn("dependency cycle, tasks left unplanned", "list", list.Name, "cycle", cycle.Error(),
			"unplanned", len(plan.Unplanned))
	case err != nil:
		return nil, fmt.Errorf("planning list %s: %w", list.Name, err)
	}
	res.Plan = plan

	// Read before the impacts so verdicts computed from impacts that change
	// during this pass are not cached.
	versions, err := o.store.ImpactVersions(ctx, list.ID)
	if err != nil {
		return nil, err
	}
	impacts, err := o.store.ListFileImpacts(ctx, list.ID)
	if err != nil {
		return nil, err
	}
	seed, err := o.store.LoadConflictCache(ctx, list.ID, now)
	if err != nil {
		return nil, err
	}
	cache := scheduler.NewVerdictCache(seed)
	detector := scheduler.NewConflictDetector(impacts, cache, o.cfg.Planner.ConflictIterations, o.cfg.Planner.MaxWaves)
	for _, t := range tasks {
		if t.Status == scheduler.TaskInProgress {
			detector.Pin(t.ID)
		}
	}

	res.Conflicts, err = detector.Resolve(graph, plan)
	if err != nil {
		if errors.Is(err, scheduler.ErrConflictLoopExhausted) {
			o.logger.Error("conflict resolution exhausted, list needs review", "list", list.Name, "err", err)
			if ferr := o.store.FlagListForReview(ctx, list.ID, err.Error(), now); ferr != nil {
				return res, errors.Join(err, ferr)
			}
		}
		return res, err
	}

	run, err := o.store.ApplyPlan(ctx, persistence.PlanRecord{
		ListID:         list.ID,
		Plan:           plan,
		Verdicts:       cache.Added(),
		ImpactVersions: versions,
		CacheTTL:       o.cfg.Conflicts.CacheTTL,
		Now:            now,
	})
	if err != nil {
		return res, err
	}
	res.Run = run

	for _, c := range res.Conflicts {
		o.logger.Info("file conflict resolved", "list", list.Name, "path", c.Path,
			"kept", c.Kept, "moved", c.Moved, "wave", c.NewWave)
		o.bus.Publish(events.ConflictDetectedEvent{
			ListID:    list.ID,
			Path:      c.Path,
			Kept:      c.Kept,
			Moved:     c.Moved,
			Wave:      c.Wave,
			NewWave:   c.NewWave,
			Timestamp: now,
		})
	}
	o.bus.Publish(events.WavePlannedEvent{
		ListID:    list.ID,
		RunID:     run.ID,
		Waves:     len(run.Waves),
		Tasks:     len(plan.Waves),
		Unplanned: len(plan.Unplanned),
		Conflicts: len(res.Conflicts),
		Timestamp: now,
	})
	o.logger.Info("list planned", "list", list.Name, "run", run.ID, "plan", plan.Describe(),
		"conflicts", len(res.Conflicts))

	for _, w := range run.Waves {
		if w.Status == scheduler.WaveInProgress {
			o.bus.Publish(events.WaveStartedEvent{ListID: list.ID, RunID: run.ID, Wave: w.Number, Timestamp: now})
		}
	}
	return res, nil
}

// PlanAll plans every list that has tasks waiting for a wave. Failures are
// collected so one bad list does not block the others.
func (o *Orchestrator) PlanAll(ctx context.Context) ([]*PlanResult, error) {
	lists, err := o.store.ListLists(ctx)
	if err != nil {
		return nil, err
	}
	var results []*PlanResult
	var errs []error
	for _, l := range lists {
		res, err := o.PlanList(ctx, l.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", l.Name, err))
			if errors.Is(err, scheduler.ErrStoreUnavailable) {
				break
			}
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
