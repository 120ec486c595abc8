// Package dispatch hands claimed tasks to out-of-process workers. The
// scheduler never waits on a worker: Dispatch returns once the worker has been
// started, and the worker reports back through lifecycle signals.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/aristath/foreman/internal/scheduler"
)

// ErrUnknownWorkerType is returned when no worker definition matches an assignment.
var ErrUnknownWorkerType = errors.New("unknown worker type")

// Assignment is everything a worker needs to start on a claimed task.
type Assignment struct {
	TaskID     string
	DisplayID  string
	ListID     string
	Title      string
	Category   scheduler.Category
	Lane       scheduler.Lane
	Wave       int
	SessionID  string
	WorkerID   string
	WorkerType string
	Generation int64
}

// Env returns the FOREMAN_* variables a worker process receives. Workers
// report back by writing signal files into FOREMAN_SIGNAL_DIR under a
// dot-prefixed name and renaming them into place.
func (a Assignment) Env(signalDir string) []string {
	return []string{
		"FOREMAN_TASK_ID=" + a.TaskID,
		"FOREMAN_TASK_DISPLAY_ID=" + a.DisplayID,
		"FOREMAN_TASK_TITLE=" + a.Title,
		"FOREMAN_TASK_CATEGORY=" + string(a.Category),
		"FOREMAN_LIST_ID=" + a.ListID,
		"FOREMAN_SESSION_ID=" + a.SessionID,
		"FOREMAN_WORKER_ID=" + a.WorkerID,
		"FOREMAN_GENERATION=" + strconv.FormatInt(a.Generation, 10),
		"FOREMAN_SIGNAL_DIR=" + signalDir,
	}
}

// Dispatcher starts a worker for an assignment.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Assignment) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, a Assignment) error

func (f DispatcherFunc) Dispatch(ctx context.Context, a Assignment) error { return f(ctx, a) }

// LogDispatcher only logs assignments. Useful when workers poll for claims
// themselves or for dry runs.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, a Assignment) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "task assigned",
		"task", a.DisplayID,
		"session", a.SessionID,
		"worker", a.WorkerID,
		"worker_type", a.WorkerType,
		"generation", a.Generation)
	return nil
}
