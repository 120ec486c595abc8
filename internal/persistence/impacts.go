package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
)

// RecordFileImpacts upserts impact estimates, bumps the impact version of
// every affected task and invalidates the cached verdicts involving it.
func (s *SQLiteStore) RecordFileImpacts(ctx context.Context, impacts []scheduler.FileImpact, now time.Time) error {
	for _, fi := range impacts {
		if err := fi.Validate(); err != nil {
			return err
		}
	}
	if len(impacts) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		touched := make(map[string]bool)
		for _, fi := range impacts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO file_impacts (task_id, path, operation, confidence, source, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(task_id, path, operation) DO UPDATE SET
					confidence = excluded.confidence,
					source = excluded.source,
					updated_at = excluded.updated_at
			`, fi.TaskID, fi.Path, string(fi.Operation), fi.Confidence, fi.Source, ms(now))
			if err != nil {
				return fmt.Errorf("failed to upsert impact %s on %s: %w", fi.TaskID, fi.Path, err)
			}
			touched[fi.TaskID] = true
		}

		for id := range touched {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET impact_version = impact_version + 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to bump impact version for %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM conflict_cache WHERE task_a = ? OR task_b = ?`, id, id); err != nil {
				return fmt.Errorf("failed to invalidate conflict cache for %s: %w", id, err)
			}
		}
		return nil
	})
}

// ImpactVersions returns the impact version of every task in a list. A planner
// reads it before the impacts themselves and hands it back to ApplyPlan, which
// drops verdicts computed from impacts that changed in between.
func (s *SQLiteStore) ImpactVersions(ctx context.Context, listID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, impact_version FROM tasks WHERE list_id = ?`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query impact versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[string]int64)
	for rows.Next() {
		var id string
		var v int64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("failed to scan impact version: %w", err)
		}
		versions[id] = v
	}
	return versions, rows.Err()
}

// ListFileImpacts returns the impacts of every task in a list.
func (s *SQLiteStore) ListFileImpacts(ctx context.Context, listID string) ([]scheduler.FileImpact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.task_id, f.path, f.operation, f.confidence, f.source
		FROM file_impacts f
		JOIN tasks t ON t.id = f.task_id
		WHERE t.list_id = ?
		ORDER BY f.task_id, f.path, f.operation
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query impacts: %w", err)
	}
	defer rows.Close()

	var impacts []scheduler.FileImpact
	for rows.Next() {
		var fi scheduler.FileImpact
		var op string
		if err := rows.Scan(&fi.TaskID, &fi.Path, &op, &fi.Confidence, &fi.Source); err != nil {
			return nil, fmt.Errorf("failed to scan impact: %w", err)
		}
		fi.Operation = scheduler.FileOperation(op)
		impacts = append(impacts, fi)
	}
	return impacts, rows.Err()
}

// LoadConflictCache returns unexpired verdicts for pairs within a list.
func (s *SQLiteStore) LoadConflictCache(ctx context.Context, listID string, now time.Time) ([]scheduler.PairVerdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.task_a, c.task_b, c.parallel, c.path, c.op_a, c.op_b
		FROM conflict_cache c
		JOIN tasks a ON a.id = c.task_a
		WHERE a.list_id = ? AND c.expires_at > ?
		ORDER BY c.task_a, c.task_b
	`, listID, ms(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict cache: %w", err)
	}
	defer rows.Close()

	var verdicts []scheduler.PairVerdict
	for rows.Next() {
		var v scheduler.PairVerdict
		var opA, opB string
		if err := rows.Scan(&v.TaskA, &v.TaskB, &v.Parallel, &v.Path, &opA, &opB); err != nil {
			return nil, fmt.Errorf("failed to scan conflict cache: %w", err)
		}
		v.OpA, v.OpB = scheduler.FileOperation(opA), scheduler.FileOperation(opB)
		verdicts = append(verdicts, v)
	}
	return verdicts, rows.Err()
}

// ExpireConflictCache deletes expired verdicts.
func (s *SQLiteStore) ExpireConflictCache(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conflict_cache WHERE expires_at <= ?`, ms(now))
		if err != nil {
			return fmt.Errorf("failed to expire conflict cache: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// freshVerdicts drops verdicts involving a task whose impact version moved past
// the snapshot. A nil snapshot keeps everything.
func freshVerdicts(ctx context.Context, tx *sql.Tx, verdicts []scheduler.PairVerdict, snapshot map[string]int64) ([]scheduler.PairVerdict, error) {
	if snapshot == nil {
		return verdicts, nil
	}
	current := make(map[string]int64)
	version := func(id string) (int64, error) {
		if v, ok := current[id]; ok {
			return v, nil
		}
		var v int64
		err := tx.QueryRowContext(ctx, `SELECT impact_version FROM tasks WHERE id = ?`, id).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			v = -1
		} else if err != nil {
			return 0, fmt.Errorf("failed to read impact version of %s: %w", id, err)
		}
		current[id] = v
		return v, nil
	}

	fresh := verdicts[:0:0]
	for _, pv := range verdicts {
		ok := true
		for _, id := range []string{pv.TaskA, pv.TaskB} {
			v, err := version(id)
			if err != nil {
				return nil, err
			}
			if want, seen := snapshot[id]; !seen || v != want {
				ok = false
			}
		}
		if ok {
			fresh = append(fresh, pv)
		}
	}
	return fresh, nil
}

func storeVerdicts(ctx context.Context, tx *sql.Tx, verdicts []scheduler.PairVerdict, ttl time.Duration, now time.Time) error {
	for _, v := range verdicts {
		a, b, opA, opB := v.TaskA, v.TaskB, v.OpA, v.OpB
		if a > b {
			a, b, opA, opB = b, a, opB, opA
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conflict_cache (task_a, task_b, parallel, path, op_a, op_b, reason, computed_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_a, task_b) DO UPDATE SET
				parallel = excluded.parallel,
				path = excluded.path,
				op_a = excluded.op_a,
				op_b = excluded.op_b,
				reason = excluded.reason,
				computed_at = excluded.computed_at,
				expires_at = excluded.expires_at
		`, a, b, v.Parallel, v.Path, string(opA), string(opB), v.Reason(), ms(now), ms(now.Add(ttl)))
		if err != nil {
			return fmt.Errorf("failed to cache verdict %s/%s: %w", a, b, err)
		}
	}
	return nil
}
