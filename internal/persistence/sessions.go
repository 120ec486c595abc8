package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
)

const sessionColumns = `id, task_id, worker_id, worker_type, generation, status, health,
	last_heartbeat, started_at, completed_at, archived`

func scanSession(row scanner) (*scheduler.AgentSession, error) {
	s := &scheduler.AgentSession{}
	var status, health string
	var heartbeat, completed sql.NullInt64
	var started int64
	err := row.Scan(&s.ID, &s.TaskID, &s.WorkerID, &s.WorkerType, &s.Generation, &status, &health,
		&heartbeat, &started, &completed, &s.Archived)
	if err != nil {
		return nil, err
	}
	s.Status = scheduler.SessionStatus(status)
	s.Health = scheduler.Health(health)
	s.LastHeartbeat = timePtr(heartbeat)
	s.StartedAt = fromMs(started)
	s.CompletedAt = timePtr(completed)
	return s, nil
}

func getSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*scheduler.AgentSession, error) {
	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, scheduler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

// checkClaim loads a session and its task and verifies that a worker write
// belongs to the task's current claim. A generation of 0 means the worker did
// not report one and the session's own generation is used. When the write is
// stale an audit row is recorded and the returned StaleGenerationError must be
// surfaced after the transaction commits.
func checkClaim(ctx context.Context, tx *sql.Tx, sessionID string, generation int64, kind string, now time.Time) (*scheduler.AgentSession, *scheduler.Task, *scheduler.StaleGenerationError, error) {
	sess, err := getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	task, err := getTaskTx(ctx, tx, sess.TaskID)
	if err != nil {
		return nil, nil, nil, err
	}
	if generation == 0 {
		generation = sess.Generation
	}

	if !sess.Status.Terminal() &&
		task.Status == scheduler.TaskInProgress &&
		task.Generation == generation &&
		sess.Generation == generation {
		return sess, task, nil, nil
	}

	stale := &scheduler.StaleGenerationError{
		TaskID:    task.ID,
		SessionID: sess.ID,
		Got:       generation,
		Current:   task.Generation,
	}
	if err := recordEvent(ctx, tx, scheduler.TaskEvent{
		TaskID:    task.ID,
		SessionID: sess.ID,
		Kind:      "stale_rejected",
		From:      task.Status,
		To:        task.Status,
		Detail:    fmt.Sprintf("%s from session %s (%s): generation %d, current %d", kind, sess.ID, sess.Status, generation, task.Generation),
		CreatedAt: now,
	}); err != nil {
		return nil, nil, nil, err
	}
	return sess, task, stale, nil
}

// MarkSessionRunning records that the worker process has started.
func (s *SQLiteStore) MarkSessionRunning(ctx context.Context, sessionID string, generation int64, now time.Time) error {
	return s.touchSession(ctx, sessionID, generation, "spawned", now)
}

// RecordHeartbeat refreshes a session's liveness and clears any stale mark.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, sessionID string, generation int64, now time.Time) error {
	return s.touchSession(ctx, sessionID, generation, "heartbeat", now)
}

func (s *SQLiteStore) touchSession(ctx context.Context, sessionID string, generation int64, kind string, now time.Time) error {
	var stale *scheduler.StaleGenerationError
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, _, st, err := checkClaim(ctx, tx, sessionID, generation, kind, now)
		stale = st
		if err != nil || st != nil {
			return err
		}
		status := sess.Status
		if status == scheduler.SessionSpawning {
			status = scheduler.SessionRunning
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agent_sessions SET status = ?, health = ?, last_heartbeat = ? WHERE id = ?
		`, string(status), string(scheduler.HealthHealthy), ms(now), sess.ID)
		if err != nil {
			return fmt.Errorf("failed to record %s: %w", kind, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if stale != nil {
		return stale
	}
	return nil
}

// CompleteTask marks the session's task completed. Writes from a disowned or
// superseded claim are rejected with *scheduler.StaleGenerationError.
func (s *SQLiteStore) CompleteTask(ctx context.Context, sessionID string, generation int64, now time.Time) (*scheduler.Task, error) {
	var task *scheduler.Task
	var stale *scheduler.StaleGenerationError
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task = nil
		sess, cur, st, err := checkClaim(ctx, tx, sessionID, generation, "completed", now)
		stale = st
		if err != nil || st != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', worker_id = NULL, completed_at = ?,
				cooldown_until = NULL, updated_at = ?
			WHERE id = ?
		`, ms(now), ms(now), cur.ID); err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}
		if err := endSession(ctx, tx, sess.ID, scheduler.SessionTerminated, "", now); err != nil {
			return err
		}
		if err := recordEvent(ctx, tx, scheduler.TaskEvent{
			TaskID: cur.ID, SessionID: sess.ID, Kind: "completed",
			From: scheduler.TaskInProgress, To: scheduler.TaskCompleted, CreatedAt: now,
		}); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, cur.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if stale != nil {
		return nil, stale
	}
	return task, nil
}

// FailTask records a worker-reported failure. The task goes back to pending
// with a cooldown, or to failed once retries are exhausted.
func (s *SQLiteStore) FailTask(ctx context.Context, sessionID string, generation int64, reason string, policy scheduler.RetryPolicy, now time.Time) (*FailureOutcome, error) {
	var out *FailureOutcome
	var stale *scheduler.StaleGenerationError
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		sess, cur, st, err := checkClaim(ctx, tx, sessionID, generation, "failed", now)
		stale = st
		if err != nil || st != nil {
			return err
		}
		if err := endSession(ctx, tx, sess.ID, scheduler.SessionFailed, "", now); err != nil {
			return err
		}
		out, err = requeueOrFail(ctx, tx, cur, sess.ID, "failed", reason, policy, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if stale != nil {
		return nil, stale
	}
	return out, nil
}

// ReclaimSession disowns a stuck session: the session is terminated and its
// task is requeued with a retry penalty (or failed when retries run out).
// The worker is not told; its later writes fail the generation check.
func (s *SQLiteStore) ReclaimSession(ctx context.Context, sessionID, reason string, policy scheduler.RetryPolicy, now time.Time) (*FailureOutcome, error) {
	var out *FailureOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		sess, err := getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		if err := endSession(ctx, tx, sess.ID, scheduler.SessionTerminated, scheduler.HealthStuck, now); err != nil {
			return err
		}

		task, err := getTaskTx(ctx, tx, sess.TaskID)
		if err != nil {
			return err
		}
		if task.Status != scheduler.TaskInProgress || task.Generation != sess.Generation {
			// The task already moved on; only the session needed closing.
			return nil
		}
		out, err = requeueOrFail(ctx, tx, task, sess.ID, "reclaimed", reason, policy, now)
		return err
	})
	return out, err
}

// ReleaseClaim undoes a claim whose dispatch failed. The task returns to
// pending without a retry penalty.
func (s *SQLiteStore) ReleaseClaim(ctx context.Context, sessionID, reason string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		if err := endSession(ctx, tx, sess.ID, scheduler.SessionFailed, "", now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', worker_id = NULL, started_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'in_progress' AND generation = ?
		`, ms(now), sess.TaskID, sess.Generation)
		if err != nil {
			return fmt.Errorf("failed to release task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return recordEvent(ctx, tx, scheduler.TaskEvent{
			TaskID: sess.TaskID, SessionID: sess.ID, Kind: "released",
			From: scheduler.TaskInProgress, To: scheduler.TaskPending, Detail: reason, CreatedAt: now,
		})
	})
}

func endSession(ctx context.Context, tx *sql.Tx, sessionID string, status scheduler.SessionStatus, health scheduler.Health, now time.Time) error {
	query := `UPDATE agent_sessions SET status = ?, completed_at = ? WHERE id = ?`
	args := []any{string(status), ms(now), sessionID}
	if health != "" {
		query = `UPDATE agent_sessions SET status = ?, completed_at = ?, health = ? WHERE id = ?`
		args = []any{string(status), ms(now), string(health), sessionID}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// requeueOrFail applies one failure to an in-progress task.
func requeueOrFail(ctx context.Context, tx *sql.Tx, task *scheduler.Task, sessionID, kind, reason string, policy scheduler.RetryPolicy, now time.Time) (*FailureOutcome, error) {
	if reason == "" {
		reason = "unknown error"
	}
	retries := task.RetryCount + 1
	out := &FailureOutcome{}

	if policy.Exhausted(retries) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', worker_id = NULL, retry_count = ?, last_error = ?,
				cooldown_until = NULL, completed_at = ?, updated_at = ?
			WHERE id = ?
		`, retries, reason, ms(now), ms(now), task.ID); err != nil {
			return nil, fmt.Errorf("failed to fail task: %w", err)
		}
		out.Terminal = true
		out.Err = &scheduler.RetryExhaustedError{
			TaskID: task.ID, DisplayID: task.DisplayID, Retries: retries, LastError: reason,
		}
	} else {
		// Exponent is the retry count before this failure: the first retry waits base.
		out.Cooldown = policy.Cooldown(task.ID, retries-1)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', worker_id = NULL, retry_count = ?, last_error = ?,
				cooldown_until = ?, started_at = NULL, updated_at = ?
			WHERE id = ?
		`, retries, reason, ms(now.Add(out.Cooldown)), ms(now), task.ID); err != nil {
			return nil, fmt.Errorf("failed to requeue task: %w", err)
		}
	}

	to := scheduler.TaskPending
	if out.Terminal {
		to = scheduler.TaskFailed
	}
	if err := recordEvent(ctx, tx, scheduler.TaskEvent{
		TaskID: task.ID, SessionID: sessionID, Kind: kind,
		From: scheduler.TaskInProgress, To: to,
		Detail: fmt.Sprintf("retry %d: %s", retries, reason), CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	updated, err := getTaskTx(ctx, tx, task.ID)
	if err != nil {
		return nil, err
	}
	out.Task = updated
	return out, nil
}

// MarkSessionHealth persists a health classification.
func (s *SQLiteStore) MarkSessionHealth(ctx context.Context, sessionID string, health scheduler.Health) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE agent_sessions SET health = ? WHERE id = ?`, string(health), sessionID)
		if err != nil {
			return fmt.Errorf("failed to mark session health: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", sessionID, scheduler.ErrNotFound)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*scheduler.AgentSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, scheduler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

// ListActiveSessions returns sessions that still own work, oldest first.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*scheduler.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM agent_sessions
		WHERE status NOT IN ('terminated', 'failed') AND archived = 0
		ORDER BY started_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*scheduler.AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CountActiveSessions counts sessions that still own work, per worker type.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_type, COUNT(*) FROM agent_sessions
		WHERE status NOT IN ('terminated', 'failed')
		GROUP BY worker_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var wt string
		var n int
		if err := rows.Scan(&wt, &n); err != nil {
			return nil, fmt.Errorf("failed to scan session count: %w", err)
		}
		counts[wt] = n
	}
	return counts, rows.Err()
}

// ArchiveIdleSessions removes terminal sessions idle since before from active
// tracking. Rows stay for audit.
func (s *SQLiteStore) ArchiveIdleSessions(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_sessions SET archived = 1
			WHERE archived = 0
			  AND status IN ('terminated', 'failed')
			  AND MAX(COALESCE(completed_at, 0), COALESCE(last_heartbeat, 0), started_at) < ?
		`, ms(before))
		if err != nil {
			return fmt.Errorf("failed to archive sessions: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ReleaseCooledDown clears elapsed cooldowns on pending tasks and returns how
// many became retry-ready.
func (s *SQLiteStore) ReleaseCooledDown(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET cooldown_until = NULL, updated_at = ?
			WHERE status = 'pending' AND cooldown_until IS NOT NULL AND cooldown_until <= ?
		`, ms(now), ms(now))
		if err != nil {
			return fmt.Errorf("failed to release cooled-down tasks: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
