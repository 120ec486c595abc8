package scheduler

import (
	"fmt"
	"strings"
)

// SignalKind is a worker lifecycle signal type.
type SignalKind string

const (
	SignalSpawned   SignalKind = "spawned"
	SignalHeartbeat SignalKind = "heartbeat"
	SignalCompleted SignalKind = "completed"
	SignalFailed    SignalKind = "failed"
)

// ParseSignalKind converts a string into a SignalKind, rejecting unknown values.
func ParseSignalKind(s string) (SignalKind, error) {
	switch k := SignalKind(strings.ToLower(strings.TrimSpace(s))); k {
	case SignalSpawned, SignalHeartbeat, SignalCompleted, SignalFailed:
		return k, nil
	}
	return "", fmt.Errorf("%w: signal kind %q", ErrUnknownValue, s)
}

// WorkerSignal is a lifecycle report from an external worker.
type WorkerSignal struct {
	Kind       SignalKind `json:"kind" yaml:"kind"`
	SessionID  string     `json:"session_id" yaml:"session_id"`
	TaskID     string     `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Generation int64      `json:"generation" yaml:"generation"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Validate checks required fields.
func (s WorkerSignal) Validate() error {
	if _, err := ParseSignalKind(string(s.Kind)); err != nil {
		return err
	}
	if s.SessionID == "" {
		return fmt.Errorf("signal %s: session id is required", s.Kind)
	}
	return nil
}
