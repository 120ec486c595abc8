package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// newCommand creates an exec.Cmd with process group isolation.
// The Setpgid: true flag puts the worker in its own process group so the
// whole worker tree can be signalled, and so a Ctrl-C aimed at the scheduler
// does not reach workers.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// signalProcessGroup signals the entire process group associated with the command.
func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID addresses the whole group.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return fmt.Errorf("failed to signal process group: %w", err)
	}

	return nil
}

// ProcessManager tracks all running worker processes and can terminate them all on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a subprocess for tracking.
// Should be called after cmd.Start() when cmd.Process is available.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess from tracking.
// Should be called after cmd.Wait() completes.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// SignalAll sends sig to every tracked process group.
func (pm *ProcessManager) SignalAll(sig syscall.Signal) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := signalProcessGroup(cmd, sig); err != nil {
			errs = append(errs, fmt.Errorf("process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	return pm.SignalAll(syscall.SIGKILL)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// WorkerCommand is the command line that starts one worker type.
type WorkerCommand struct {
	Command string
	Args    []string
}

// ProcessOptions configures a ProcessDispatcher.
type ProcessOptions struct {
	Workers   map[string]WorkerCommand // Keyed by worker type
	SignalDir string                   // Passed to workers as FOREMAN_SIGNAL_DIR
	WorkDir   string                   // Worker working directory; empty inherits
	LogDir    string                   // Per-session output files; empty discards output
	Manager   *ProcessManager
	Logger    *slog.Logger
}

// ProcessDispatcher starts one OS process per assignment and does not wait
// for it. A reaper goroutine collects the exit status.
type ProcessDispatcher struct {
	opts ProcessOptions
	wg   sync.WaitGroup
}

// NewProcessDispatcher validates the worker commands.
func NewProcessDispatcher(opts ProcessOptions) (*ProcessDispatcher, error) {
	for name, w := range opts.Workers {
		if w.Command == "" {
			return nil, fmt.Errorf("worker type %s has no command", name)
		}
	}
	if opts.SignalDir != "" {
		abs, err := filepath.Abs(opts.SignalDir)
		if err != nil {
			return nil, fmt.Errorf("resolving signal dir: %w", err)
		}
		opts.SignalDir = abs
	}
	if opts.Manager == nil {
		opts.Manager = NewProcessManager()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ProcessDispatcher{opts: opts}, nil
}

// Manager exposes the process manager for shutdown handling.
func (d *ProcessDispatcher) Manager() *ProcessManager { return d.opts.Manager }

// Dispatch starts the worker process for a.
func (d *ProcessDispatcher) Dispatch(ctx context.Context, a Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, ok := d.opts.Workers[a.WorkerType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkerType, a.WorkerType)
	}

	cmd := newCommand(w.Command, w.Args...)
	cmd.Dir = d.opts.WorkDir
	cmd.Env = append(os.Environ(), a.Env(d.opts.SignalDir)...)

	var out *os.File
	if d.opts.LogDir != "" {
		if err := os.MkdirAll(d.opts.LogDir, 0755); err != nil {
			return fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.Create(filepath.Join(d.opts.LogDir, a.SessionID+".log"))
		if err != nil {
			return fmt.Errorf("creating worker log: %w", err)
		}
		out = f
		cmd.Stdout, cmd.Stderr = f, f
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		return fmt.Errorf("failed to start worker %s: %w", w.Command, err)
	}
	d.opts.Manager.Track(cmd)

	d.wg.Add(1)
	go d.reap(cmd, out, a)
	return nil
}

func (d *ProcessDispatcher) reap(cmd *exec.Cmd, out *os.File, a Assignment) {
	defer d.wg.Done()
	err := cmd.Wait()
	d.opts.Manager.Untrack(cmd)
	if out != nil {
		out.Close()
	}
	if err != nil {
		d.opts.Logger.Warn("worker exited with error", "task", a.DisplayID, "session", a.SessionID, "err", err)
		return
	}
	d.opts.Logger.Debug("worker exited", "task", a.DisplayID, "session", a.SessionID)
}

// Shutdown asks every running worker to stop, waits up to grace, then kills
// what is left.
func (d *ProcessDispatcher) Shutdown(grace time.Duration) error {
	if d.opts.Manager.Count() == 0 {
		return nil
	}
	if err := d.opts.Manager.SignalAll(syscall.SIGTERM); err != nil {
		d.opts.Logger.Warn("failed to signal workers", "err", err)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return d.opts.Manager.KillAll()
	}
}

// Wait blocks until every reaper has collected its worker.
func (d *ProcessDispatcher) Wait() {
	d.wg.Wait()
}
