package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting to be claimed
	TaskReady      TaskStatus = "ready"       // Display-only marker set by intake surfaces
	TaskInProgress TaskStatus = "in_progress" // Claimed and bound to a worker
	TaskCompleted  TaskStatus = "completed"   // Finished successfully
	TaskFailed     TaskStatus = "failed"      // Failed terminally, retries exhausted
	TaskSkipped    TaskStatus = "skipped"     // Intentionally not run
	TaskBlocked    TaskStatus = "blocked"     // Held back by intake
)

// ParseTaskStatus converts a string into a TaskStatus, rejecting unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TaskPending, TaskReady, TaskInProgress, TaskCompleted, TaskFailed, TaskSkipped, TaskBlocked:
		return st, nil
	}
	return "", fmt.Errorf("%w: task status %q", ErrUnknownValue, s)
}

// Terminal reports whether no further transition can leave this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

// SatisfiesDependency reports whether dependents of a task in this status may run.
func (s TaskStatus) SatisfiesDependency() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// Priority orders tasks; lower values run first (P0 is most urgent).
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

// ParsePriority accepts "P0".."P3" (case-insensitive) or a bare digit.
func ParsePriority(s string) (Priority, error) {
	v := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "P")
	n, err := strconv.Atoi(v)
	if err != nil || n < int(P0) || n > int(P3) {
		return 0, fmt.Errorf("%w: priority %q", ErrUnknownValue, s)
	}
	return Priority(n), nil
}

func (p Priority) String() string { return fmt.Sprintf("P%d", int(p)) }

// Category is the closed set of work categories a task can belong to.
type Category string

const (
	CategoryFeature  Category = "feature"
	CategoryBugfix   Category = "bugfix"
	CategoryRefactor Category = "refactor"
	CategoryTest     Category = "test"
	CategoryDocs     Category = "docs"
	CategoryInfra    Category = "infra"
	CategorySecurity Category = "security"
	CategoryResearch Category = "research"
)

// Categories lists every known category in declaration order.
var Categories = []Category{
	CategoryFeature, CategoryBugfix, CategoryRefactor, CategoryTest,
	CategoryDocs, CategoryInfra, CategorySecurity, CategoryResearch,
}

// ParseCategory converts a string into a Category, rejecting unknown values.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: category %q", ErrUnknownValue, s)
}

// Task is a unit of work tracked by the store.
type Task struct {
	ID            string
	DisplayID     string // Human-facing id, e.g. "API-12"
	ListID        string
	Title         string
	Category      Category
	Status        TaskStatus
	Priority      Priority
	Wave          *int   // nil until a planning pass assigns one
	Lane          Lane   // empty until classified
	WorkerID      string // set iff Status == TaskInProgress
	RetryCount    int
	Generation    int64 // incremented on every claim
	LastError     string
	CooldownUntil *time.Time
	Seq           int64 // creation order
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// WaveNumber returns the assigned wave or 0 when unplanned.
func (t *Task) WaveNumber() int {
	if t.Wave == nil {
		return 0
	}
	return *t.Wave
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Wave != nil {
		w := *t.Wave
		cp.Wave = &w
	}
	cp.CooldownUntil = cloneTime(t.CooldownUntil)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TaskList groups tasks that share wave progression.
type TaskList struct {
	ID         string
	Name       string
	Prefix     string // Display id prefix
	ActiveWave *int
	RunID      string
	Hold       string // Non-empty while the list waits for manual review
	CreatedAt  time.Time
}

// EdgeKind classifies a dependency edge.
type EdgeKind string

const (
	EdgeDependsOn  EdgeKind = "depends_on"
	EdgeBlocks     EdgeKind = "blocks"
	EdgeRelatesTo  EdgeKind = "relates_to"
	EdgeDuplicates EdgeKind = "duplicates"
)

// ParseEdgeKind converts a string into an EdgeKind, rejecting unknown values.
func ParseEdgeKind(s string) (EdgeKind, error) {
	switch k := EdgeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case EdgeDependsOn, EdgeBlocks, EdgeRelatesTo, EdgeDuplicates:
		return k, nil
	}
	return "", fmt.Errorf("%w: edge kind %q", ErrUnknownValue, s)
}

// Schedules reports whether edges of this kind constrain execution order.
func (k EdgeKind) Schedules() bool {
	return k == EdgeDependsOn || k == EdgeBlocks
}

// DependencyEdge links two tasks. For depends_on, Source runs after Target;
// for blocks, Target runs after Source.
type DependencyEdge struct {
	Source string
	Target string
	Kind   EdgeKind
}

// Constraint returns the (dependent, prerequisite) pair for scheduling edges.
func (e DependencyEdge) Constraint() (dependent, prerequisite string, ok bool) {
	switch e.Kind {
	case EdgeDependsOn:
		return e.Source, e.Target, true
	case EdgeBlocks:
		return e.Target, e.Source, true
	}
	return "", "", false
}

// FileOperation is the kind of access a task is predicted to make on a file.
type FileOperation string

const (
	OpCreate FileOperation = "CREATE"
	OpUpdate FileOperation = "UPDATE"
	OpDelete FileOperation = "DELETE"
	OpRead   FileOperation = "READ"
)

// ParseFileOperation converts a string into a FileOperation, rejecting unknown values.
func ParseFileOperation(s string) (FileOperation, error) {
	switch op := FileOperation(strings.ToUpper(strings.TrimSpace(s))); op {
	case OpCreate, OpUpdate, OpDelete, OpRead:
		return op, nil
	}
	return "", fmt.Errorf("%w: file operation %q", ErrUnknownValue, s)
}

// FileImpact is an externally predicted file access for a task.
type FileImpact struct {
	TaskID     string
	Path       string
	Operation  FileOperation
	Confidence float64 // 0..1
	Source     string  // Producer of the estimate
}

// Validate checks the impact fields.
func (f FileImpact) Validate() error {
	if f.TaskID == "" || f.Path == "" {
		return fmt.Errorf("file impact requires task id and path")
	}
	if _, err := ParseFileOperation(string(f.Operation)); err != nil {
		return err
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("file impact confidence %v out of range [0,1]", f.Confidence)
	}
	return nil
}

// WaveStatus is the lifecycle state of a single wave.
type WaveStatus string

const (
	WavePending    WaveStatus = "pending"
	WaveInProgress WaveStatus = "in_progress"
	WaveCompleted  WaveStatus = "completed"
	WaveFailed     WaveStatus = "failed"
)

// WaveRunStatus is the lifecycle state of a planning pass.
type WaveRunStatus string

const (
	RunActive      WaveRunStatus = "active"
	RunCompleted   WaveRunStatus = "completed"
	RunSuperseded  WaveRunStatus = "superseded"
	RunNeedsReview WaveRunStatus = "needs_review"
)

// Wave is one execution round inside a WaveRun.
type Wave struct {
	RunID       string
	Number      int
	Status      WaveStatus
	TaskIDs     []string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// WaveRun groups the ordered waves produced by one planning pass.
type WaveRun struct {
	ID          string
	ListID      string
	Status      WaveRunStatus
	Waves       []Wave
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionSpawning   SessionStatus = "spawning"
	SessionRunning    SessionStatus = "running"
	SessionCompleting SessionStatus = "completing"
	SessionTerminated SessionStatus = "terminated"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether the session no longer owns work.
func (s SessionStatus) Terminal() bool {
	return s == SessionTerminated || s == SessionFailed
}

// Health is the liveness classification of an agent session.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthStale   Health = "stale"
	HealthStuck   Health = "stuck"
)

// AgentSession tracks one dispatched worker bound to one claim.
type AgentSession struct {
	ID            string
	TaskID        string
	WorkerID      string
	WorkerType    string
	Generation    int64
	Status        SessionStatus
	Health        Health
	LastHeartbeat *time.Time
	StartedAt     time.Time
	CompletedAt   *time.Time
	Archived      bool
}

// LastActivity is the most recent sign of life: heartbeat, or start time.
func (s *AgentSession) LastActivity() time.Time {
	if s.LastHeartbeat != nil && s.LastHeartbeat.After(s.StartedAt) {
		return *s.LastHeartbeat
	}
	return s.StartedAt
}

// TaskEvent is one row of a task's audit history.
type TaskEvent struct {
	ID        int64
	TaskID    string
	SessionID string
	Kind      string
	From      TaskStatus
	To        TaskStatus
	Detail    string
	CreatedAt time.Time
}
