package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
	"github.com/google/uuid"
)

// ApplyPlan persists a planning pass in one transaction: the previous active
// run is superseded, a new run with its waves is created, task waves and lanes
// are rewritten, the list's active wave moves to the first wave, any review
// hold is cleared, and new conflict verdicts are cached unless a task's
// impacts changed after rec.ImpactVersions was read.
func (s *SQLiteStore) ApplyPlan(ctx context.Context, rec PlanRecord) (*scheduler.WaveRun, error) {
	if rec.Plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	runID := uuid.NewString()
	count := rec.Plan.WaveCount()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_lists WHERE id = ?`, rec.ListID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("list %s: %w", rec.ListID, scheduler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query list: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE wave_runs SET status = ?, completed_at = ?
			WHERE list_id = ? AND status IN (?, ?)
		`, string(scheduler.RunSuperseded), ms(rec.Now), rec.ListID,
			string(scheduler.RunActive), string(scheduler.RunNeedsReview)); err != nil {
			return fmt.Errorf("failed to supersede previous run: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wave_runs (id, list_id, status, created_at) VALUES (?, ?, ?, ?)
		`, runID, rec.ListID, string(scheduler.RunActive), ms(rec.Now)); err != nil {
			return fmt.Errorf("failed to insert wave run: %w", err)
		}

		first := 0
		for n := 1; n <= count; n++ {
			ids := rec.Plan.Wave(n)
			if len(ids) == 0 {
				continue
			}
			status, started := scheduler.WavePending, any(nil)
			if first == 0 {
				first = n
				status, started = scheduler.WaveInProgress, ms(rec.Now)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO waves (run_id, number, status, started_at) VALUES (?, ?, ?, ?)
			`, runID, n, string(status), started); err != nil {
				return fmt.Errorf("failed to insert wave %d: %w", n, err)
			}
			for pos, id := range ids {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO wave_tasks (run_id, number, task_id, position) VALUES (?, ?, ?, ?)
				`, runID, n, id, pos); err != nil {
					return fmt.Errorf("failed to insert wave task %s: %w", id, err)
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET wave = ?, lane = ?, updated_at = ? WHERE id = ?
				`, n, string(rec.Plan.Lanes[id]), ms(rec.Now), id); err != nil {
					return fmt.Errorf("failed to set wave for %s: %w", id, err)
				}
			}
		}

		for _, id := range rec.Plan.Unplanned {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET wave = NULL, updated_at = ? WHERE id = ?`, ms(rec.Now), id); err != nil {
				return fmt.Errorf("failed to clear wave for %s: %w", id, err)
			}
		}

		var active any
		if first > 0 {
			active = first
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_lists SET active_wave = ?, run_id = ?, hold = '' WHERE id = ?
		`, active, runID, rec.ListID); err != nil {
			return fmt.Errorf("failed to activate run: %w", err)
		}
		if first == 0 {
			// Nothing to run: the run is born complete.
			if _, err := tx.ExecContext(ctx, `UPDATE wave_runs SET status = ?, completed_at = ? WHERE id = ?`,
				string(scheduler.RunCompleted), ms(rec.Now), runID); err != nil {
				return fmt.Errorf("failed to complete empty run: %w", err)
			}
		}

		verdicts, err := freshVerdicts(ctx, tx, rec.Verdicts, rec.ImpactVersions)
		if err != nil {
			return err
		}
		return storeVerdicts(ctx, tx, verdicts, rec.CacheTTL, rec.Now)
	})
	if err != nil {
		return nil, err
	}
	return s.CurrentRun(ctx, rec.ListID)
}

// FlagListForReview holds a list for manual review. Claims skip held lists
// until the next successful planning pass.
func (s *SQLiteStore) FlagListForReview(ctx context.Context, listID, reason string, now time.Time) error {
	if reason == "" {
		reason = "needs review"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var runID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT run_id FROM task_lists WHERE id = ?`, listID).Scan(&runID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("list %s: %w", listID, scheduler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query list: %w", err)
		}

		flagged := false
		if runID.Valid {
			res, err := tx.ExecContext(ctx, `UPDATE wave_runs SET status = ? WHERE id = ? AND status = ?`,
				string(scheduler.RunNeedsReview), runID.String, string(scheduler.RunActive))
			if err != nil {
				return fmt.Errorf("failed to flag run: %w", err)
			}
			n, _ := res.RowsAffected()
			flagged = n > 0
		}
		if !flagged {
			id := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `INSERT INTO wave_runs (id, list_id, status, created_at) VALUES (?, ?, ?, ?)`,
				id, listID, string(scheduler.RunNeedsReview), ms(now)); err != nil {
				return fmt.Errorf("failed to insert review run: %w", err)
			}
			runID = sql.NullString{String: id, Valid: true}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE task_lists SET hold = ?, run_id = ? WHERE id = ?`,
			reason, runID.String, listID); err != nil {
			return fmt.Errorf("failed to hold list: %w", err)
		}
		return nil
	})
}

// CurrentRun returns the list's current wave run with its waves and members,
// or nil when the list has never been planned.
func (s *SQLiteStore) CurrentRun(ctx context.Context, listID string) (*scheduler.WaveRun, error) {
	run := &scheduler.WaveRun{}
	var status string
	var created int64
	var completed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.list_id, r.status, r.created_at, r.completed_at
		FROM wave_runs r JOIN task_lists l ON l.run_id = r.id
		WHERE l.id = ? OR l.name = ?
	`, listID, listID).Scan(&run.ID, &run.ListID, &status, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wave run: %w", err)
	}
	run.Status = scheduler.WaveRunStatus(status)
	run.CreatedAt = fromMs(created)
	run.CompletedAt = timePtr(completed)

	rows, err := s.db.QueryContext(ctx, `
		SELECT number, status, started_at, completed_at FROM waves WHERE run_id = ? ORDER BY number
	`, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query waves: %w", err)
	}
	index := make(map[int]int)
	for rows.Next() {
		w := scheduler.Wave{RunID: run.ID}
		var ws string
		var started, done sql.NullInt64
		if err := rows.Scan(&w.Number, &ws, &started, &done); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan wave: %w", err)
		}
		w.Status = scheduler.WaveStatus(ws)
		w.StartedAt, w.CompletedAt = timePtr(started), timePtr(done)
		index[w.Number] = len(run.Waves)
		run.Waves = append(run.Waves, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read waves: %w", err)
	}

	members, err := s.db.QueryContext(ctx, `
		SELECT number, task_id FROM wave_tasks WHERE run_id = ? ORDER BY number, position
	`, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wave members: %w", err)
	}
	defer members.Close()
	for members.Next() {
		var n int
		var id string
		if err := members.Scan(&n, &id); err != nil {
			return nil, fmt.Errorf("failed to scan wave member: %w", err)
		}
		if i, ok := index[n]; ok {
			run.Waves[i].TaskIDs = append(run.Waves[i].TaskIDs, id)
		}
	}
	return run, members.Err()
}

// AdvanceWave closes the list's active wave once all of its tasks are terminal
// and starts the next one. Returns nil when the active wave is still running
// or the list has no active run.
func (s *SQLiteStore) AdvanceWave(ctx context.Context, listID string, now time.Time) (*WaveAdvance, error) {
	var adv *WaveAdvance
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		adv = nil
		var runID sql.NullString
		var active sql.NullInt64
		var runStatus sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT l.run_id, l.active_wave, r.status
			FROM task_lists l LEFT JOIN wave_runs r ON r.id = l.run_id
			WHERE l.id = ?
		`, listID).Scan(&runID, &active, &runStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("list %s: %w", listID, scheduler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query list: %w", err)
		}
		if !runID.Valid || !active.Valid || runStatus.String != string(scheduler.RunActive) {
			return nil
		}

		var open, failed int
		err = tx.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN t.status NOT IN ('completed','failed','skipped') THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN t.status = 'failed' THEN 1 ELSE 0 END), 0)
			FROM wave_tasks w JOIN tasks t ON t.id = w.task_id
			WHERE w.run_id = ? AND w.number = ?
		`, runID.String, active.Int64).Scan(&open, &failed)
		if err != nil {
			return fmt.Errorf("failed to inspect wave: %w", err)
		}
		if open > 0 {
			return nil
		}

		status := scheduler.WaveCompleted
		if failed > 0 {
			status = scheduler.WaveFailed
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE waves SET status = ?, completed_at = ? WHERE run_id = ? AND number = ?
		`, string(status), ms(now), runID.String, active.Int64); err != nil {
			return fmt.Errorf("failed to close wave: %w", err)
		}

		adv = &WaveAdvance{ListID: listID, RunID: runID.String, Completed: int(active.Int64), Status: status}

		var next sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MIN(number) FROM waves WHERE run_id = ? AND number > ?
		`, runID.String, active.Int64).Scan(&next); err != nil {
			return fmt.Errorf("failed to find next wave: %w", err)
		}

		if next.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE waves SET status = ?, started_at = ? WHERE run_id = ? AND number = ?
			`, string(scheduler.WaveInProgress), ms(now), runID.String, next.Int64); err != nil {
				return fmt.Errorf("failed to start wave: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE task_lists SET active_wave = ? WHERE id = ?`,
				next.Int64, listID); err != nil {
				return fmt.Errorf("failed to move active wave: %w", err)
			}
			adv.Started = int(next.Int64)
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE wave_runs SET status = ?, completed_at = ? WHERE id = ?`,
			string(scheduler.RunCompleted), ms(now), runID.String); err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE task_lists SET active_wave = NULL WHERE id = ?`, listID); err != nil {
			return fmt.Errorf("failed to clear active wave: %w", err)
		}
		adv.RunCompleted = true
		return nil
	})
	return adv, err
}
