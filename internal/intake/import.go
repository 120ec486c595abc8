package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/scheduler"
)

// Store is the part of the task store an import writes to.
type Store interface {
	EnsureList(ctx context.Context, name, prefix string, now time.Time) (*scheduler.TaskList, error)
	CreateTask(ctx context.Context, in persistence.NewTask) (*scheduler.Task, error)
	AddEdge(ctx context.Context, edge scheduler.DependencyEdge, now time.Time) error
	RecordFileImpacts(ctx context.Context, impacts []scheduler.FileImpact, now time.Time) error
}

// Result summarizes an import.
type Result struct {
	Lists   []*scheduler.TaskList
	Tasks   map[string]*scheduler.Task // manifest key -> created task
	Edges   int
	Impacts int
}

// Import writes a validated manifest into the store: lists first, then tasks
// in declaration order, then edges, then impacts. Every call creates new
// tasks; importing the same manifest twice duplicates its work.
func Import(ctx context.Context, store Store, m *Manifest, now time.Time) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	res := &Result{Tasks: make(map[string]*scheduler.Task, m.TaskCount())}
	for _, l := range m.Lists {
		list, err := store.EnsureList(ctx, l.Name, l.Prefix, now)
		if err != nil {
			return res, fmt.Errorf("intake: list %s: %w", l.Name, err)
		}
		res.Lists = append(res.Lists, list)

		for _, spec := range l.Tasks {
			prio, _ := spec.priority()
			status, _ := spec.status()
			cat, _ := scheduler.ParseCategory(spec.Category)
			task, err := store.CreateTask(ctx, persistence.NewTask{
				ListID:   list.ID,
				Title:    spec.Title,
				Category: cat,
				Priority: prio,
				Status:   status,
				Now:      now,
			})
			if err != nil {
				return res, fmt.Errorf("intake: task %s: %w", spec.Key, err)
			}
			res.Tasks[spec.Key] = task
		}
	}

	for _, e := range m.Edges() {
		edge := scheduler.DependencyEdge{
			Source: res.Tasks[e.Source].ID,
			Target: res.Tasks[e.Target].ID,
			Kind:   e.Kind,
		}
		if err := store.AddEdge(ctx, edge, now); err != nil {
			return res, fmt.Errorf("intake: edge %s %s %s: %w", e.Source, e.Kind, e.Target, err)
		}
		res.Edges++
	}

	var impacts []scheduler.FileImpact
	for _, l := range m.Lists {
		for _, spec := range l.Tasks {
			for _, imp := range spec.Impacts {
				op, _ := scheduler.ParseFileOperation(imp.Op)
				confidence := 1.0
				if imp.Confidence != nil {
					confidence = *imp.Confidence
				}
				source := imp.Source
				if source == "" {
					source = DefaultImpactSource
				}
				impacts = append(impacts, scheduler.FileImpact{
					TaskID:     res.Tasks[spec.Key].ID,
					Path:       imp.Path,
					Operation:  op,
					Confidence: confidence,
					Source:     source,
				})
			}
		}
	}
	if len(impacts) > 0 {
		if err := store.RecordFileImpacts(ctx, impacts, now); err != nil {
			return res, fmt.Errorf("intake: file impacts: %w", err)
		}
		res.Impacts = len(impacts)
	}
	return res, nil
}
