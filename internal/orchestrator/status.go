package orchestrator

import (
	"context"

	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/scheduler"
)

// ListStatus is one list's share of a Status snapshot.
type ListStatus struct {
	List   *scheduler.TaskList
	Run    *scheduler.WaveRun // nil when never planned
	Counts map[scheduler.TaskStatus]int
}

// Status is a point-in-time view of the scheduler for operators.
type Status struct {
	Paused    bool
	TickCount int64
	LastCycle string
	Lists     []ListStatus
	Sessions  []*scheduler.AgentSession
	Recent    []scheduler.TaskEvent
}

// Status collects a snapshot. listFilter limits the lists to one id or name;
// recent bounds the audit rows returned.
func (o *Orchestrator) Status(ctx context.Context, listFilter string, recent int) (*Status, error) {
	st := &Status{}
	var err error
	if st.Paused, err = o.store.Paused(ctx); err != nil {
		return nil, err
	}
	if st.TickCount, err = o.tickCount(ctx); err != nil {
		return nil, err
	}
	if v, ok, err := o.store.GetState(ctx, persistence.StateLastCycle); err != nil {
		return nil, err
	} else if ok {
		st.LastCycle = v
	}

	var lists []*scheduler.TaskList
	if listFilter != "" {
		l, err := o.store.GetList(ctx, listFilter)
		if err != nil {
			return nil, err
		}
		lists = []*scheduler.TaskList{l}
	} else if lists, err = o.store.ListLists(ctx); err != nil {
		return nil, err
	}

	for _, l := range lists {
		ls := ListStatus{List: l}
		if ls.Run, err = o.store.CurrentRun(ctx, l.ID); err != nil {
			return nil, err
		}
		if ls.Counts, err = o.store.CountTasksByStatus(ctx, l.ID); err != nil {
			return nil, err
		}
		st.Lists = append(st.Lists, ls)
	}

	if st.Sessions, err = o.store.ListActiveSessions(ctx); err != nil {
		return nil, err
	}
	if recent > 0 {
		if st.Recent, err = o.store.RecentEvents(ctx, recent); err != nil {
			return nil, err
		}
	}
	return st, nil
}
