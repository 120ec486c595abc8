package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
	"github.com/google/uuid"
)

const taskColumns = `id, display_id, list_id, title, category, status, priority, wave, lane, worker_id,
	retry_count, generation, last_error, cooldown_until, seq, created_at, started_at, completed_at, updated_at`

func scanTask(row scanner) (*scheduler.Task, error) {
	t := &scheduler.Task{}
	var (
		category, status   string
		wave               sql.NullInt64
		lane, workerID     sql.NullString
		cooldown           sql.NullInt64
		created, updated   int64
		started, completed sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.DisplayID, &t.ListID, &t.Title, &category, &status, &t.Priority, &wave, &lane, &workerID,
		&t.RetryCount, &t.Generation, &t.LastError, &cooldown, &t.Seq, &created, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}
	t.Category = scheduler.Category(category)
	t.Status = scheduler.TaskStatus(status)
	if wave.Valid {
		w := int(wave.Int64)
		t.Wave = &w
	}
	t.Lane = scheduler.Lane(lane.String)
	t.WorkerID = workerID.String
	t.CooldownUntil = timePtr(cooldown)
	t.CreatedAt = fromMs(created)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	t.UpdatedAt = fromMs(updated)
	return t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*scheduler.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? OR display_id = ?`, taskID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, scheduler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// recordEvent appends a row to the audit history.
func recordEvent(ctx context.Context, tx *sql.Tx, ev scheduler.TaskEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, session_id, kind, from_status, to_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.TaskID, ev.SessionID, ev.Kind, string(ev.From), string(ev.To), ev.Detail, ms(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.Kind, err)
	}
	return nil
}

// CreateTask inserts a task, assigning its display id, creation sequence and lane.
func (s *SQLiteStore) CreateTask(ctx context.Context, in NewTask) (*scheduler.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if _, err := scheduler.ParseCategory(string(in.Category)); err != nil {
		return nil, err
	}
	if in.Priority < scheduler.P0 || in.Priority > scheduler.P3 {
		return nil, fmt.Errorf("%w: priority %d", scheduler.ErrUnknownValue, in.Priority)
	}
	status := in.Status
	if status == "" {
		status = scheduler.TaskPending
	}
	switch status {
	case scheduler.TaskPending, scheduler.TaskReady, scheduler.TaskBlocked, scheduler.TaskSkipped:
	default:
		return nil, fmt.Errorf("task cannot be created in status %s", status)
	}

	var task *scheduler.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var prefix string
		var next int64
		err := tx.QueryRowContext(ctx, `SELECT prefix, next_display FROM task_lists WHERE id = ?`, in.ListID).
			Scan(&prefix, &next)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("list %s: %w", in.ListID, scheduler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query list: %w", err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks`).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		id := uuid.NewString()
		displayID := fmt.Sprintf("%s-%d", prefix, next)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, display_id, list_id, title, category, status, priority, lane, seq, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, displayID, in.ListID, in.Title, string(in.Category), string(status), int(in.Priority),
			string(scheduler.ClassifyLane(in.Category)), seq, ms(in.Now), ms(in.Now))
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE task_lists SET next_display = next_display + 1 WHERE id = ?`, in.ListID); err != nil {
			return fmt.Errorf("failed to bump display counter: %w", err)
		}
		if err := recordEvent(ctx, tx, scheduler.TaskEvent{
			TaskID: id, Kind: "created", To: status, Detail: in.Title, CreatedAt: in.Now,
		}); err != nil {
			return err
		}

		task, err = getTaskTx(ctx, tx, id)
		return err
	})
	return task, err
}

// GetTask retrieves a task by id or display id.
func (s *SQLiteStore) GetTask(ctx context.Context, idOrDisplay string) (*scheduler.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? OR display_id = ?`, idOrDisplay, idOrDisplay))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", idOrDisplay, scheduler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks in canonical order.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*scheduler.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.ListID != "" {
		query += ` AND list_id = ?`
		args = append(args, filter.ListID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY priority, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetTaskStatus applies an intake-side status change: parking a pending task
// as blocked or ready, returning it to pending, or skipping it. Claims,
// completions and failures have their own operations.
func (s *SQLiteStore) SetTaskStatus(ctx context.Context, taskID string, to scheduler.TaskStatus, detail string, now time.Time) (*scheduler.Task, error) {
	switch to {
	case scheduler.TaskPending, scheduler.TaskReady, scheduler.TaskBlocked, scheduler.TaskSkipped:
	default:
		return nil, fmt.Errorf("status %s can only be set by the scheduler", to)
	}

	var task *scheduler.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if cur.Status == to {
			task = cur
			return nil
		}
		if err := scheduler.CheckTransition(cur.ID, cur.Status, to); err != nil {
			return err
		}

		var completed any
		if to.Terminal() {
			completed = ms(now)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?
		`, string(to), completed, ms(now), cur.ID)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		if err := recordEvent(ctx, tx, scheduler.TaskEvent{
			TaskID: cur.ID, Kind: "status", From: cur.Status, To: to, Detail: detail, CreatedAt: now,
		}); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, cur.ID)
		return err
	})
	return task, err
}

// AddEdge inserts a dependency edge. Scheduling edges that would close a cycle
// among non-terminal tasks are rejected with a *scheduler.DependencyCycleError.
func (s *SQLiteStore) AddEdge(ctx context.Context, edge scheduler.DependencyEdge, now time.Time) error {
	if _, err := scheduler.ParseEdgeKind(string(edge.Kind)); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{edge.Source, edge.Target} {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("edge endpoint %s: %w", id, scheduler.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to check edge endpoint: %w", err)
			}
		}

		if edge.Kind.Schedules() {
			existing, err := openSchedulingEdges(ctx, tx)
			if err != nil {
				return err
			}
			if err := scheduler.ValidateEdge(existing, edge); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_edges (source, target, kind, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source, target, kind) DO NOTHING
		`, edge.Source, edge.Target, string(edge.Kind), ms(now))
		if err != nil {
			return fmt.Errorf("failed to insert edge %s -> %s: %w", edge.Source, edge.Target, err)
		}
		return nil
	})
}

// openSchedulingEdges loads depends_on/blocks edges whose endpoints are both
// non-terminal.
func openSchedulingEdges(ctx context.Context, tx *sql.Tx) ([]scheduler.DependencyEdge, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.source, e.target, e.kind
		FROM task_edges e
		JOIN tasks s ON s.id = e.source
		JOIN tasks t ON t.id = e.target
		WHERE e.kind IN ('depends_on', 'blocks')
		  AND s.status NOT IN ('completed', 'failed', 'skipped')
		  AND t.status NOT IN ('completed', 'failed', 'skipped')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]scheduler.DependencyEdge, error) {
	var edges []scheduler.DependencyEdge
	for rows.Next() {
		var e scheduler.DependencyEdge
		var kind string
		if err := rows.Scan(&e.Source, &e.Target, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Kind = scheduler.EdgeKind(kind)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListEdges returns every edge touching a task of the list, or all edges when
// listID is empty.
func (s *SQLiteStore) ListEdges(ctx context.Context, listID string) ([]scheduler.DependencyEdge, error) {
	query := `SELECT source, target, kind FROM task_edges ORDER BY source, target, kind`
	var args []any
	if listID != "" {
		query = `
			SELECT e.source, e.target, e.kind FROM task_edges e
			WHERE e.source IN (SELECT id FROM tasks WHERE list_id = ?)
			   OR e.target IN (SELECT id FROM tasks WHERE list_id = ?)
			ORDER BY e.source, e.target, e.kind`
		args = []any{listID, listID}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// CountTasksByStatus tallies tasks per status, optionally for one list.
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context, listID string) (map[scheduler.TaskStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if listID != "" {
		query += ` WHERE list_id = ?`
		args = append(args, listID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[scheduler.TaskStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[scheduler.TaskStatus(st)] = n
	}
	return counts, rows.Err()
}
