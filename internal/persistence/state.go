package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
)

// Well-known scheduler_state keys.
const (
	StatePaused    = "paused"
	StateTickCount = "tick_count"
	StateLastCycle = "last_cycle"
)

// PutState upserts a key/value row.
func (s *SQLiteStore) PutState(ctx context.Context, key, value string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putState(ctx, tx, key, value, now)
	})
}

func putState(ctx context.Context, tx *sql.Tx, key, value string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO scheduler_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, ms(now))
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// GetState reads a key. The bool is false when the key is absent.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scheduler_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to read %s: %w", scheduler.ErrStoreUnavailable, key, err)
	}
	return value, true, nil
}

// SetPaused persists the pause flag.
func (s *SQLiteStore) SetPaused(ctx context.Context, paused bool, now time.Time) error {
	return s.PutState(ctx, StatePaused, strconv.FormatBool(paused), now)
}

// Paused reads the pause flag. An absent flag means running.
func (s *SQLiteStore) Paused(ctx context.Context) (bool, error) {
	v, ok, err := s.GetState(ctx, StatePaused)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(v)
}

// IncrementTickCount bumps and returns the persisted cycle counter.
func (s *SQLiteStore) IncrementTickCount(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT value FROM scheduler_state WHERE key = ?`, StateTickCount).Scan(&cur)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read tick count: %w", err)
		}
		n = 0
		if cur != "" {
			if n, err = strconv.ParseInt(cur, 10, 64); err != nil {
				return fmt.Errorf("corrupt tick count %q: %w", cur, err)
			}
		}
		n++
		return putState(ctx, tx, StateTickCount, strconv.FormatInt(n, 10), now)
	})
	return n, err
}

const eventColumns = `id, task_id, session_id, kind, from_status, to_status, detail, created_at`

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]scheduler.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer rows.Close()

	var events []scheduler.TaskEvent
	for rows.Next() {
		var ev scheduler.TaskEvent
		var from, to string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.SessionID, &ev.Kind, &from, &to, &ev.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		ev.From, ev.To = scheduler.TaskStatus(from), scheduler.TaskStatus(to)
		ev.CreatedAt = fromMs(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TaskHistory returns a task's audit history, oldest first.
func (s *SQLiteStore) TaskHistory(ctx context.Context, taskID string) ([]scheduler.TaskEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM task_events
		WHERE task_id = (SELECT id FROM tasks WHERE id = ? OR display_id = ?)
		ORDER BY id
	`, taskID, taskID)
}

// RecentEvents returns the newest audit rows across all tasks, newest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]scheduler.TaskEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM task_events ORDER BY id DESC LIMIT ?`, limit)
}
