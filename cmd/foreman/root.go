package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/foreman/internal/config"
	"github.com/aristath/foreman/internal/dispatch"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/orchestrator"
	"github.com/aristath/foreman/internal/persistence"
)

// app holds the global flags and what they resolve to. Commands open the
// store themselves so `config` works without one.
type app struct {
	globalConfig  string
	projectConfig string
	dbPath        string
	logLevel      string

	cfg    *config.Config
	logOut io.Writer
	now    func() time.Time
}

func newRootCmd() *cobra.Command {
	a := &app{logOut: os.Stderr, now: time.Now}

	root := &cobra.Command{
		Use:   "foreman",
		Short: "Wave-based task scheduler for parallel coding agents",
		Long: `Foreman plans task lists into dependency-ordered waves, keeps tasks that
touch the same files out of the same wave, and hands ready work to a fleet
of worker processes. Workers report back by dropping signal files into the
inbox; stuck workers are reclaimed and failed tasks retried with backoff.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	root.PersistentFlags().StringVar(&a.globalConfig, "global-config", config.GlobalPath(), "global config file")
	root.PersistentFlags().StringVarP(&a.projectConfig, "config", "c", config.ProjectPath(), "project config file")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "task store path (overrides database.path)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(
		a.runCmd(),
		a.tickCmd(),
		a.importCmd(),
		a.planCmd(),
		a.statusCmd(),
		a.claimCmd(),
		a.pauseCmd(),
		a.resumeCmd(),
		a.signalCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.globalConfig, a.projectConfig)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg
	return nil
}

// logger builds the slog logger selected by log.format and log.level.
func (a *app) logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: a.cfg.LogLevel()}
	if a.cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the configured task store.
func (a *app) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	if a.cfg.Database.Path == ":memory:" {
		return persistence.NewMemoryStore(ctx)
	}
	store, err := persistence.NewSQLiteStore(ctx, a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open task store %s: %w", a.cfg.Database.Path, err)
	}
	return store, nil
}

// session bundles what most commands need.
type session struct {
	store *persistence.SQLiteStore
	orch  *orchestrator.Orchestrator
	log   *slog.Logger
}

func (s *session) Close() error {
	s.orch.Wait()
	return s.store.Close()
}

// open opens the store and builds an orchestrator around it. The dispatcher
// defaults to logging only; `run` and `tick` pass the configured one.
func (a *app) open(ctx context.Context, logger *slog.Logger, bus *events.EventBus, d dispatch.Dispatcher) (*session, error) {
	if logger == nil {
		logger = a.logger(a.logOut)
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	o, err := orchestrator.New(orchestrator.Options{
		Store:      store,
		Bus:        bus,
		Dispatcher: d,
		Logger:     logger,
		Config:     a.cfg,
		Now:        a.now,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &session{store: store, orch: o, log: logger}, nil
}

// dispatcher builds the dispatcher selected by dispatch.mode. The returned
// ProcessDispatcher is nil in log mode.
func (a *app) dispatcher(logger *slog.Logger) (dispatch.Dispatcher, *dispatch.ProcessDispatcher, error) {
	if a.cfg.Dispatch.Mode == "log" {
		return dispatch.LogDispatcher{Logger: logger}, nil, nil
	}

	workers := make(map[string]dispatch.WorkerCommand, len(a.cfg.Workers))
	for name, w := range a.cfg.Workers {
		workers[name] = dispatch.WorkerCommand{Command: w.Command, Args: w.Args}
	}
	pd, err := dispatch.NewProcessDispatcher(dispatch.ProcessOptions{
		Workers:   workers,
		SignalDir: a.cfg.Signals.Dir,
		WorkDir:   a.cfg.Dispatch.WorkingDirectory,
		LogDir:    filepath.Join(filepath.Dir(a.cfg.Database.Path), "logs"),
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w (set workers.<type>.command or dispatch.mode: log)", err)
	}

	retry := dispatch.DefaultRetryConfig()
	retry.MaxAttempts = a.cfg.Dispatch.MaxAttempts
	breakers := dispatch.NewCircuitBreakerRegistry(dispatch.BreakerSettings{
		Failures: uint32(a.cfg.Dispatch.BreakerFailures),
		Cooldown: a.cfg.Dispatch.BreakerCooldown,
	}, logger)
	return dispatch.NewResilient(pd, breakers, retry, a.cfg.Dispatch.Timeout), pd, nil
}
