package events

import (
	"strings"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicWave     = "wave"
	TopicTask     = "task"
	TopicConflict = "conflict"
	TopicAgent    = "agent"
	TopicTick     = "tick"
)

// Event type constants
const (
	EventTypeWavePlanned      = "wave:planned"
	EventTypeWaveStarted      = "wave:started"
	EventTypeWaveCompleted    = "wave:completed"
	EventTypeTaskClaimed      = "task:claimed"
	EventTypeTaskCompleted    = "task:completed"
	EventTypeTaskFailed       = "task:failed"
	EventTypeConflictDetected = "conflict:detected"
	EventTypeAgentReclaimed   = "agent:reclaimed"
	EventTypeAgentStale       = "agent:stale"
	EventTypeTickCompleted    = "tick:completed"
)

// Topic returns the topic an event is published on: the part of its type
// before the colon.
func Topic(e Event) string {
	t := e.EventType()
	if i := strings.IndexByte(t, ':'); i >= 0 {
		return t[:i]
	}
	return t
}

// WavePlannedEvent is published after a planning pass is persisted.
type WavePlannedEvent struct {
	ListID    string
	RunID     string
	Waves     int
	Tasks     int
	Unplanned int
	Conflicts int
	Timestamp time.Time
}

func (e WavePlannedEvent) EventType() string { return EventTypeWavePlanned }
func (e WavePlannedEvent) TaskID() string    { return "" }

// WaveStartedEvent is published when a list's next wave becomes active.
type WaveStartedEvent struct {
	ListID    string
	RunID     string
	Wave      int
	Timestamp time.Time
}

func (e WaveStartedEvent) EventType() string { return EventTypeWaveStarted }
func (e WaveStartedEvent) TaskID() string    { return "" }

// WaveCompletedEvent is published when every task of a wave is terminal.
type WaveCompletedEvent struct {
	ListID       string
	RunID        string
	Wave         int
	Failed       bool
	RunCompleted bool
	Timestamp    time.Time
}

func (e WaveCompletedEvent) EventType() string { return EventTypeWaveCompleted }
func (e WaveCompletedEvent) TaskID() string    { return "" }

// TaskClaimedEvent is published when a task is bound to a worker.
type TaskClaimedEvent struct {
	ID         string
	DisplayID  string
	SessionID  string
	WorkerID   string
	WorkerType string
	Generation int64
	Wave       int
	Lane       string
	Timestamp  time.Time
}

func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a worker reports success.
type TaskCompletedEvent struct {
	ID        string
	DisplayID string
	SessionID string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published on every failure. Terminal is set when retries
// are exhausted and the task will not run again.
type TaskFailedEvent struct {
	ID        string
	DisplayID string
	SessionID string
	Err       string
	Retries   int
	Terminal  bool
	Cooldown  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// ConflictDetectedEvent is published for each same-wave file conflict that
// planning resolved by moving a task.
type ConflictDetectedEvent struct {
	ListID    string
	Path      string
	Kept      string
	Moved     string
	Wave      int
	NewWave   int
	Timestamp time.Time
}

func (e ConflictDetectedEvent) EventType() string { return EventTypeConflictDetected }
func (e ConflictDetectedEvent) TaskID() string    { return e.Moved }

// AgentReclaimedEvent is published when a stuck session is disowned.
type AgentReclaimedEvent struct {
	ID        string
	SessionID string
	Reason    string
	Terminal  bool
	Timestamp time.Time
}

func (e AgentReclaimedEvent) EventType() string { return EventTypeAgentReclaimed }
func (e AgentReclaimedEvent) TaskID() string    { return e.ID }

// AgentStaleEvent is published when a session first goes quiet.
type AgentStaleEvent struct {
	ID        string
	SessionID string
	Silence   time.Duration
	Timestamp time.Time
}

func (e AgentStaleEvent) EventType() string { return EventTypeAgentStale }
func (e AgentStaleEvent) TaskID() string    { return e.ID }

// PhaseTiming records how long one tick phase took.
type PhaseTiming struct {
	Phase    string
	Duration time.Duration
	Err      string
}

// TickCompletedEvent is published at the end of every cycle.
type TickCompletedEvent struct {
	Cycle     int64
	Paused    bool
	Claimed   int
	Reclaimed int
	Duration  time.Duration
	Phases    []PhaseTiming
	Timestamp time.Time
}

func (e TickCompletedEvent) EventType() string { return EventTypeTickCompleted }
func (e TickCompletedEvent) TaskID() string    { return "" }
