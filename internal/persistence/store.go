package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is the single source of truth for tasks, edges, file impacts, waves,
// agent sessions and scheduler state. Every mutation goes through it.
type Store interface {
	// Task lists
	EnsureList(ctx context.Context, name, prefix string, now time.Time) (*scheduler.TaskList, error)
	GetList(ctx context.Context, idOrName string) (*scheduler.TaskList, error)
	ListLists(ctx context.Context) ([]*scheduler.TaskList, error)
	ActiveLists(ctx context.Context) ([]*scheduler.TaskList, error)

	// Tasks and edges
	CreateTask(ctx context.Context, in NewTask) (*scheduler.Task, error)
	GetTask(ctx context.Context, idOrDisplay string) (*scheduler.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*scheduler.Task, error)
	SetTaskStatus(ctx context.Context, taskID string, to scheduler.TaskStatus, detail string, now time.Time) (*scheduler.Task, error)
	AddEdge(ctx context.Context, edge scheduler.DependencyEdge, now time.Time) error
	ListEdges(ctx context.Context, listID string) ([]scheduler.DependencyEdge, error)
	CountTasksByStatus(ctx context.Context, listID string) (map[scheduler.TaskStatus]int, error)

	// File impacts and the conflict cache
	RecordFileImpacts(ctx context.Context, impacts []scheduler.FileImpact, now time.Time) error
	ImpactVersions(ctx context.Context, listID string) (map[string]int64, error)
	ListFileImpacts(ctx context.Context, listID string) ([]scheduler.FileImpact, error)
	LoadConflictCache(ctx context.Context, listID string, now time.Time) ([]scheduler.PairVerdict, error)
	ExpireConflictCache(ctx context.Context, now time.Time) (int, error)

	// Planning and wave progression
	ApplyPlan(ctx context.Context, rec PlanRecord) (*scheduler.WaveRun, error)
	FlagListForReview(ctx context.Context, listID, reason string, now time.Time) error
	CurrentRun(ctx context.Context, listID string) (*scheduler.WaveRun, error)
	AdvanceWave(ctx context.Context, listID string, now time.Time) (*WaveAdvance, error)

	// Claims and sessions
	ClaimTask(ctx context.Context, req ClaimRequest) (*Claim, error)
	ClaimTaskByID(ctx context.Context, taskID string, req ClaimRequest) (*Claim, error)
	ReleaseClaim(ctx context.Context, sessionID, reason string, now time.Time) error
	MarkSessionRunning(ctx context.Context, sessionID string, generation int64, now time.Time) error
	RecordHeartbeat(ctx context.Context, sessionID string, generation int64, now time.Time) error
	CompleteTask(ctx context.Context, sessionID string, generation int64, now time.Time) (*scheduler.Task, error)
	FailTask(ctx context.Context, sessionID string, generation int64, reason string, policy scheduler.RetryPolicy, now time.Time) (*FailureOutcome, error)
	ReclaimSession(ctx context.Context, sessionID, reason string, policy scheduler.RetryPolicy, now time.Time) (*FailureOutcome, error)
	MarkSessionHealth(ctx context.Context, sessionID string, health scheduler.Health) error
	GetSession(ctx context.Context, sessionID string) (*scheduler.AgentSession, error)
	ListActiveSessions(ctx context.Context) ([]*scheduler.AgentSession, error)
	CountActiveSessions(ctx context.Context) (map[string]int, error)
	ArchiveIdleSessions(ctx context.Context, before time.Time) (int, error)
	ReleaseCooledDown(ctx context.Context, now time.Time) (int, error)

	// Scheduler state and audit history
	SetPaused(ctx context.Context, paused bool, now time.Time) error
	Paused(ctx context.Context) (bool, error)
	IncrementTickCount(ctx context.Context, now time.Time) (int64, error)
	PutState(ctx context.Context, key, value string, now time.Time) error
	GetState(ctx context.Context, key string) (string, bool, error)
	TaskHistory(ctx context.Context, taskID string) ([]scheduler.TaskEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]scheduler.TaskEvent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// dsnParams enables foreign keys, WAL, a busy timeout, and BEGIN IMMEDIATE for
// every transaction so write locks are taken up front.
const dsnParams = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath, dsnParams)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	return newStore(ctx, db)
}

// NewMemoryStore creates an isolated in-memory SQLite store for testing.
// Each call gets its own database name so parallel tests never share state.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", uuid.NewString(), dsnParams)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// One connection: shared-cache memory databases report table locks
	// instead of waiting on busy_timeout.
	db.SetMaxOpenConns(1)

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", scheduler.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a write transaction, retrying the whole transaction
// with exponential backoff while SQLite reports BUSY or LOCKED.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	op := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%w: failed to begin transaction: %w", scheduler.ErrStoreUnavailable, err))
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("failed to commit transaction: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 8), ctx))
	if err != nil && isBusy(err) {
		return fmt.Errorf("%w: %w", scheduler.ErrStoreUnavailable, err)
	}
	return err
}

// isBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED (any extended code).
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Times are stored as unix milliseconds.
func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
