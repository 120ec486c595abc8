package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
)

// Notifier receives tasks that failed terminally. It is called off the
// scheduling path; a slow or failing notifier never delays a tick.
type Notifier interface {
	Notify(ctx context.Context, err *scheduler.RetryExhaustedError) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, err *scheduler.RetryExhaustedError) error

func (f NotifierFunc) Notify(ctx context.Context, err *scheduler.RetryExhaustedError) error {
	return f(ctx, err)
}

// LogNotifier writes terminal failures to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, err *scheduler.RetryExhaustedError) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("task failed permanently", "task", err.DisplayID, "retries", err.Retries, "err", err.LastError)
	return nil
}

const notifyTimeout = 30 * time.Second

// asyncNotifier delivers each notification on its own goroutine.
type asyncNotifier struct {
	next   Notifier
	logger *slog.Logger
	wg     sync.WaitGroup
}

func newAsyncNotifier(next Notifier, logger *slog.Logger) *asyncNotifier {
	return &asyncNotifier{next: next, logger: logger}
}

func (a *asyncNotifier) send(err *scheduler.RetryExhaustedError) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("notifier panicked", "task", err.TaskID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if nerr := a.next.Notify(ctx, err); nerr != nil {
			a.logger.Warn("failed to deliver failure notification", "task", err.TaskID, "err", nerr)
		}
	}()
}

func (a *asyncNotifier) wait() { a.wg.Wait() }
