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

const listColumns = `id, name, prefix, active_wave, run_id, hold, created_at`

func scanList(row scanner) (*scheduler.TaskList, error) {
	l := &scheduler.TaskList{}
	var activeWave sql.NullInt64
	var runID sql.NullString
	var created int64
	if err := row.Scan(&l.ID, &l.Name, &l.Prefix, &activeWave, &runID, &l.Hold, &created); err != nil {
		return nil, err
	}
	if activeWave.Valid {
		w := int(activeWave.Int64)
		l.ActiveWave = &w
	}
	l.RunID = runID.String
	l.CreatedAt = fromMs(created)
	return l, nil
}

// EnsureList returns the list with the given name, creating it if needed.
// prefix defaults to the upper-cased name.
func (s *SQLiteStore) EnsureList(ctx context.Context, name, prefix string, now time.Time) (*scheduler.TaskList, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("list name is required")
	}
	if prefix == "" {
		prefix = strings.ToUpper(name)
	}

	var list *scheduler.TaskList
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_lists (id, name, prefix, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING
		`, uuid.NewString(), name, prefix, ms(now))
		if err != nil {
			return fmt.Errorf("failed to insert list: %w", err)
		}
		list, err = scanList(tx.QueryRowContext(ctx,
			`SELECT `+listColumns+` FROM task_lists WHERE name = ?`, name))
		if err != nil {
			return fmt.Errorf("failed to load list: %w", err)
		}
		return nil
	})
	return list, err
}

// GetList retrieves a list by id or name.
func (s *SQLiteStore) GetList(ctx context.Context, idOrName string) (*scheduler.TaskList, error) {
	l, err := scanList(s.db.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM task_lists WHERE id = ? OR name = ?`, idOrName, idOrName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list %s: %w", idOrName, scheduler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query list: %w", err)
	}
	return l, nil
}

// ListLists returns every list ordered by name.
func (s *SQLiteStore) ListLists(ctx context.Context) ([]*scheduler.TaskList, error) {
	return s.queryLists(ctx, `SELECT `+listColumns+` FROM task_lists ORDER BY name`)
}

// ActiveLists returns lists with an active wave run that are not held for review.
func (s *SQLiteStore) ActiveLists(ctx context.Context) ([]*scheduler.TaskList, error) {
	return s.queryLists(ctx, `
		SELECT l.id, l.name, l.prefix, l.active_wave, l.run_id, l.hold, l.created_at
		FROM task_lists l
		JOIN wave_runs r ON r.id = l.run_id
		WHERE r.status = 'active' AND l.hold = '' AND l.active_wave IS NOT NULL
		ORDER BY l.name
	`)
}

func (s *SQLiteStore) queryLists(ctx context.Context, query string, args ...any) ([]*scheduler.TaskList, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()

	var lists []*scheduler.TaskList
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list: %w", err)
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}
