package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a task, list, or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks failures reaching the store. A tick cycle that
	// sees it aborts and the next cycle starts from scratch.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflictLoopExhausted is returned when conflict resolution hits its shift cap.
	ErrConflictLoopExhausted = errors.New("conflict resolution iteration cap exceeded")

	// ErrUnknownValue is returned when an enum value fails to parse.
	ErrUnknownValue = errors.New("unknown value")
)

// DependencyCycleError reports a cycle in the scheduling subgraph.
// Path lists task ids along the cycle with the first id repeated at the end.
type DependencyCycleError struct {
	Path []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// FileConflictError describes one same-wave conflict the detector resolved by
// moving a task to a later wave.
type FileConflictError struct {
	Path    string
	Kept    string
	Moved   string
	KeptOp  FileOperation
	MovedOp FileOperation
	Wave    int // Wave the conflict was found in
	NewWave int // Wave the moved task landed in
}

func (e *FileConflictError) Error() string {
	return fmt.Sprintf("file conflict on %s in wave %d: %s (%s) vs %s (%s)",
		e.Path, e.Wave, e.Kept, e.KeptOp, e.Moved, e.MovedOp)
}

// ClaimConflictError means another caller won the race for a task.
type ClaimConflictError struct {
	TaskID string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("task %s was claimed by another worker", e.TaskID)
}

// StuckAgentError describes a session that went silent past the stuck threshold.
type StuckAgentError struct {
	SessionID string
	TaskID    string
	Silence   time.Duration
}

func (e *StuckAgentError) Error() string {
	return fmt.Sprintf("agent session %s stuck on task %s: no heartbeat for %s",
		e.SessionID, e.TaskID, e.Silence.Round(time.Second))
}

// RetryExhaustedError is raised when a task fails terminally. It is the only
// error handed to the notifier.
type RetryExhaustedError struct {
	TaskID    string
	DisplayID string
	Retries   int
	LastError string
}

func (e *RetryExhaustedError) Error() string {
	id := e.TaskID
	if e.DisplayID != "" {
		id = e.DisplayID
	}
	return fmt.Sprintf("task %s failed after %d retries: %s", id, e.Retries, e.LastError)
}

// PhaseExecutionError wraps a failure (or recovered panic) in a tick phase.
type PhaseExecutionError struct {
	Phase   string
	Elapsed time.Duration
	Err     error
}

func (e *PhaseExecutionError) Error() string {
	return fmt.Sprintf("phase %s failed after %s: %v", e.Phase, e.Elapsed, e.Err)
}

func (e *PhaseExecutionError) Unwrap() error { return e.Err }

// WaveLimitError is returned when planning needs more waves than allowed.
type WaveLimitError struct {
	Limit  int
	TaskID string
}

func (e *WaveLimitError) Error() string {
	return fmt.Sprintf("task %s exceeds wave limit %d", e.TaskID, e.Limit)
}

// StaleGenerationError rejects a worker write for a claim that has since been
// reclaimed or reassigned.
type StaleGenerationError struct {
	TaskID    string
	SessionID string
	Got       int64
	Current   int64
}

func (e *StaleGenerationError) Error() string {
	return fmt.Sprintf("stale write for task %s from session %s: generation %d, current %d",
		e.TaskID, e.SessionID, e.Got, e.Current)
}

// InvalidTransitionError is returned for a status change the state machine forbids.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}
