package persistence

import (
	"errors"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
)

// ErrNotClaimable is returned by ClaimTaskByID when the task exists but does
// not pass the eligibility filter.
var ErrNotClaimable = errors.New("task is not claimable")

// NewTask is the intake payload for CreateTask.
type NewTask struct {
	ListID   string
	Title    string
	Category scheduler.Category
	Priority scheduler.Priority
	Status   scheduler.TaskStatus // Defaults to pending
	Now      time.Time
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	ListID   string
	Statuses []scheduler.TaskStatus
}

// PlanRecord is the outcome of a planning pass, persisted atomically.
type PlanRecord struct {
	ListID         string
	Plan           *scheduler.Plan
	Verdicts       []scheduler.PairVerdict // New conflict cache entries
	ImpactVersions map[string]int64        // Snapshot the verdicts were computed from; nil skips the check
	CacheTTL       time.Duration
	Now            time.Time
}

// WaveAdvance describes a wave transition performed by AdvanceWave.
type WaveAdvance struct {
	ListID       string
	RunID        string
	Completed    int                  // Wave that just finished
	Status       scheduler.WaveStatus // Final status of the finished wave
	Started      int                  // Next wave, 0 when the run finished
	RunCompleted bool
}

// ClaimRequest describes the worker asking for work.
type ClaimRequest struct {
	WorkerID   string
	WorkerType string
	Categories []scheduler.Category // Empty accepts every category
	ListID     string               // Empty searches every list
	Now        time.Time
}

// Claim is a successful claim: the task as bound, and its new session.
type Claim struct {
	Task    *scheduler.Task
	Session *scheduler.AgentSession
}

// FailureOutcome reports what a failure or reclaim did to the task.
type FailureOutcome struct {
	Task     *scheduler.Task
	Terminal bool          // Retries exhausted; task is now failed
	Cooldown time.Duration // Window before the task is eligible again
	Err      *scheduler.RetryExhaustedError
}
