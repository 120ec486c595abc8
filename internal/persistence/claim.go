package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/foreman/internal/scheduler"
	"github.com/google/uuid"
)

// eligibleWhere is the claim eligibility filter over tasks t joined to their
// list l. Every scheduling prerequisite must be completed or skipped.
const eligibleWhere = `
	t.status = 'pending'
	AND l.hold = ''
	AND (t.wave IS NULL OR t.wave = l.active_wave)
	AND (t.cooldown_until IS NULL OR t.cooldown_until <= ?)
	AND NOT EXISTS (
		SELECT 1 FROM task_edges e JOIN tasks p ON p.id = e.target
		WHERE e.source = t.id AND e.kind = 'depends_on'
		  AND p.status NOT IN ('completed', 'skipped'))
	AND NOT EXISTS (
		SELECT 1 FROM task_edges e JOIN tasks p ON p.id = e.source
		WHERE e.target = t.id AND e.kind = 'blocks'
		  AND p.status NOT IN ('completed', 'skipped'))`

func eligibility(req ClaimRequest) (string, []any) {
	where := eligibleWhere
	args := []any{ms(req.Now)}
	if len(req.Categories) > 0 {
		where += ` AND t.category IN (` + placeholders(len(req.Categories)) + `)`
		for _, c := range req.Categories {
			args = append(args, string(c))
		}
	}
	if req.ListID != "" {
		where += ` AND t.list_id = ?`
		args = append(args, req.ListID)
	}
	return where, args
}

func validateClaimRequest(req ClaimRequest) error {
	if strings.TrimSpace(req.WorkerID) == "" {
		return fmt.Errorf("claim requires a worker id")
	}
	if strings.TrimSpace(req.WorkerType) == "" {
		return fmt.Errorf("claim requires a worker type")
	}
	return nil
}

// ClaimTask atomically hands the first eligible task (priority, then creation
// order) to the requesting worker. The select-and-bind is a single UPDATE
// guarded by status='pending', run inside an immediate transaction, so
// concurrent callers never receive the same task. Returns nil, nil when
// nothing is eligible.
func (s *SQLiteStore) ClaimTask(ctx context.Context, req ClaimRequest) (*Claim, error) {
	if err := validateClaimRequest(req); err != nil {
		return nil, err
	}
	where, args := eligibility(req)

	var claim *Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claim = nil
		var taskID string
		err := tx.QueryRowContext(ctx, `
			UPDATE tasks SET
				status = 'in_progress',
				worker_id = ?,
				started_at = ?,
				updated_at = ?,
				generation = generation + 1,
				cooldown_until = NULL
			WHERE status = 'pending' AND id = (
				SELECT t.id FROM tasks t JOIN task_lists l ON l.id = t.list_id
				WHERE `+where+`
				ORDER BY t.priority, t.seq
				LIMIT 1
			)
			RETURNING id
		`, append([]any{req.WorkerID, ms(req.Now), ms(req.Now)}, args...)...).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}

		claim, err = bindSession(ctx, tx, taskID, req)
		return err
	})
	return claim, err
}

// ClaimTaskByID claims one specific task. A task already taken by another
// worker yields *scheduler.ClaimConflictError; one that exists but fails the
// eligibility filter yields ErrNotClaimable.
func (s *SQLiteStore) ClaimTaskByID(ctx context.Context, taskID string, req ClaimRequest) (*Claim, error) {
	if err := validateClaimRequest(req); err != nil {
		return nil, err
	}
	where, args := eligibility(req)

	var claim *Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claim = nil
		cur, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		var id string
		err = tx.QueryRowContext(ctx, `
			UPDATE tasks SET
				status = 'in_progress',
				worker_id = ?,
				started_at = ?,
				updated_at = ?,
				generation = generation + 1,
				cooldown_until = NULL
			WHERE id = ? AND status = 'pending' AND id IN (
				SELECT t.id FROM tasks t JOIN task_lists l ON l.id = t.list_id
				WHERE t.id = ? AND `+where+`
			)
			RETURNING id
		`, append([]any{req.WorkerID, ms(req.Now), ms(req.Now), cur.ID, cur.ID}, args...)...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			if cur.Status == scheduler.TaskInProgress {
				return &scheduler.ClaimConflictError{TaskID: cur.ID}
			}
			return fmt.Errorf("task %s (%s): %w", cur.DisplayID, cur.Status, ErrNotClaimable)
		}
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}

		claim, err = bindSession(ctx, tx, id, req)
		return err
	})
	return claim, err
}

// bindSession records the new agent session and the audit row for a claim.
func bindSession(ctx context.Context, tx *sql.Tx, taskID string, req ClaimRequest) (*Claim, error) {
	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}

	sess := &scheduler.AgentSession{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		WorkerID:   req.WorkerID,
		WorkerType: req.WorkerType,
		Generation: task.Generation,
		Status:     scheduler.SessionSpawning,
		Health:     scheduler.HealthHealthy,
		StartedAt:  req.Now.UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_sessions (id, task_id, worker_id, worker_type, generation, status, health, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.TaskID, sess.WorkerID, sess.WorkerType, sess.Generation,
		string(sess.Status), string(sess.Health), ms(req.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := recordEvent(ctx, tx, scheduler.TaskEvent{
		TaskID:    task.ID,
		SessionID: sess.ID,
		Kind:      "claimed",
		From:      scheduler.TaskPending,
		To:        scheduler.TaskInProgress,
		Detail:    fmt.Sprintf("worker %s generation %d", req.WorkerID, task.Generation),
		CreatedAt: req.Now,
	}); err != nil {
		return nil, err
	}
	return &Claim{Task: task, Session: sess}, nil
}
