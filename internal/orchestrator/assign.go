package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/foreman/internal/dispatch"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/scheduler"
)

// dispatchConcurrency bounds concurrent Dispatch calls within one cycle.
const dispatchConcurrency = 8

// assign claims work for every worker type up to its free capacity, then
// dispatches the claims in parallel. A failed dispatch releases its claim
// without counting as a task failure.
func (o *Orchestrator) assign(ctx context.Context, c *cycle) error {
	active, err := o.store.CountActiveSessions(ctx)
	if err != nil {
		return err
	}

	var claims []*persistence.Claim
	for _, wt := range o.workerTypes {
		free := o.cfg.Workers[wt].Capacity - active[wt]
		for i := 0; i < free; i++ {
			claim, err := o.claim(ctx, persistence.ClaimRequest{
				WorkerID:   newWorkerID(wt),
				WorkerType: wt,
				Categories: o.cfg.Categories(wt),
				Now:        c.now,
			})
			var conflict *scheduler.ClaimConflictError
			if errors.As(err, &conflict) {
				o.logger.Debug("lost claim race", "task", conflict.TaskID, "worker_type", wt)
				continue
			}
			if err != nil {
				if len(claims) > 0 {
					o.dispatchAll(ctx, claims, c.now)
				}
				c.report.Claimed = len(claims)
				return err
			}
			if claim == nil {
				break
			}
			claims = append(claims, claim)
		}
	}

	c.report.Claimed = len(claims)
	o.dispatchAll(ctx, claims, c.now)
	return nil
}

// dispatchAll fans claims out to the dispatcher with bounded concurrency.
func (o *Orchestrator) dispatchAll(ctx context.Context, claims []*persistence.Claim, now time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchConcurrency)
	for _, claim := range claims {
		claim := claim
		g.Go(func() error {
			o.dispatchClaim(gctx, claim, now)
			return nil // dispatch failures are handled per claim
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) dispatchClaim(ctx context.Context, claim *persistence.Claim, now time.Time) {
	a := AssignmentFor(claim)
	err := o.dispatcher.Dispatch(ctx, a)
	if err == nil {
		o.logger.Info("task dispatched", "task", a.DisplayID, "session", a.SessionID, "worker_type", a.WorkerType)
		return
	}

	o.logger.Warn("dispatch failed, releasing claim", "task", a.DisplayID, "session", a.SessionID, "err", err)
	// The cycle context may be cancelled already; the release must still land.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if rerr := o.store.ReleaseClaim(rctx, a.SessionID, fmt.Sprintf("dispatch failed: %v", err), now); rerr != nil {
		o.logger.Error("failed to release claim", "task", a.DisplayID, "session", a.SessionID, "err", rerr)
	}
}

// Claim hands one eligible task to the named worker outside the tick loop.
// Returns nil, nil when nothing is eligible. The caller is responsible for
// starting the worker. A worker type missing from the configuration is
// rejected with dispatch.ErrUnknownWorkerType.
func (o *Orchestrator) Claim(ctx context.Context, workerID, workerType, listID string) (*persistence.Claim, error) {
	if _, ok := o.cfg.Workers[workerType]; !ok {
		return nil, fmt.Errorf("%w %q (configured: %s)",
			dispatch.ErrUnknownWorkerType, workerType, strings.Join(o.workerTypes, ", "))
	}
	if workerID == "" {
		workerID = newWorkerID(workerType)
	}
	return o.claim(ctx, persistence.ClaimRequest{
		WorkerID:   workerID,
		WorkerType: workerType,
		Categories: o.cfg.Categories(workerType),
		ListID:     listID,
		Now:        o.now(),
	})
}

func (o *Orchestrator) claim(ctx context.Context, req persistence.ClaimRequest) (*persistence.Claim, error) {
	claim, err := o.store.ClaimTask(ctx, req)
	if err != nil || claim == nil {
		return nil, err
	}
	t, s := claim.Task, claim.Session
	o.logger.Info("task claimed", "task", t.DisplayID, "worker", s.WorkerID, "wave", t.WaveNumber(),
		"generation", s.Generation)
	o.bus.Publish(events.TaskClaimedEvent{
		ID:         t.ID,
		DisplayID:  t.DisplayID,
		SessionID:  s.ID,
		WorkerID:   s.WorkerID,
		WorkerType: s.WorkerType,
		Generation: s.Generation,
		Wave:       t.WaveNumber(),
		Lane:       string(t.Lane),
		Timestamp:  req.Now,
	})
	return claim, nil
}

// AssignmentFor describes a claim the way dispatchers and workers see it.
func AssignmentFor(claim *persistence.Claim) dispatch.Assignment {
	t, s := claim.Task, claim.Session
	return dispatch.Assignment{
		TaskID:     t.ID,
		DisplayID:  t.DisplayID,
		ListID:     t.ListID,
		Title:      t.Title,
		Category:   t.Category,
		Lane:       t.Lane,
		Wave:       t.WaveNumber(),
		SessionID:  s.ID,
		WorkerID:   s.WorkerID,
		WorkerType: s.WorkerType,
		Generation: s.Generation,
	}
}

func newWorkerID(workerType string) string {
	return fmt.Sprintf("%s-%s", workerType, uuid.NewString()[:8])
}
