package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are INTEGER unix milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_lists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		prefix TEXT NOT NULL,
		next_display INTEGER NOT NULL DEFAULT 1,
		active_wave INTEGER,
		run_id TEXT,
		hold TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		display_id TEXT NOT NULL UNIQUE,
		list_id TEXT NOT NULL,
		title TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN
			('pending','ready','in_progress','completed','failed','skipped','blocked')),
		priority INTEGER NOT NULL CHECK (priority BETWEEN 0 AND 3),
		wave INTEGER,
		lane TEXT,
		worker_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		generation INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		cooldown_until INTEGER,
		impact_version INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL,
		CHECK ((status = 'in_progress') = (worker_id IS NOT NULL)),
		FOREIGN KEY (list_id) REFERENCES task_lists(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, seq);
	CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(list_id, status);

	CREATE TABLE IF NOT EXISTS task_edges (
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('depends_on','blocks','relates_to','duplicates')),
		created_at INTEGER NOT NULL,
		PRIMARY KEY (source, target, kind),
		FOREIGN KEY (source) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (target) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_edges_target ON task_edges(target, kind);

	CREATE TABLE IF NOT EXISTS file_impacts (
		task_id TEXT NOT NULL,
		path TEXT NOT NULL,
		operation TEXT NOT NULL CHECK (operation IN ('CREATE','UPDATE','DELETE','READ')),
		confidence REAL NOT NULL CHECK (confidence BETWEEN 0 AND 1),
		source TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (task_id, path, operation),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS conflict_cache (
		task_a TEXT NOT NULL,
		task_b TEXT NOT NULL,
		parallel INTEGER NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		op_a TEXT NOT NULL DEFAULT '',
		op_b TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		computed_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (task_a, task_b),
		CHECK (task_a < task_b),
		FOREIGN KEY (task_a) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (task_b) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_conflict_cache_b ON conflict_cache(task_b);

	CREATE TABLE IF NOT EXISTS wave_runs (
		id TEXT PRIMARY KEY,
		list_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		FOREIGN KEY (list_id) REFERENCES task_lists(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS waves (
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','in_progress','completed','failed')),
		started_at INTEGER,
		completed_at INTEGER,
		PRIMARY KEY (run_id, number),
		FOREIGN KEY (run_id) REFERENCES wave_runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS wave_tasks (
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id, number) REFERENCES waves(run_id, number) ON DELETE CASCADE,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		worker_type TEXT NOT NULL,
		generation INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('spawning','running','completing','terminated','failed')),
		health TEXT NOT NULL DEFAULT 'healthy',
		last_heartbeat INTEGER,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		archived INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_agent_sessions_active ON agent_sessions(status, archived);

	CREATE TABLE IF NOT EXISTS task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);

	CREATE TABLE IF NOT EXISTS scheduler_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
