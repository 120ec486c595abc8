package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/inbox"
	"github.com/aristath/foreman/internal/tui"
)

func (a *app) runCmd() *cobra.Command {
	var withTUI bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling loop until interrupted",
		Long: `Run ticks the scheduler every tick.interval and applies worker signals as
they land in the inbox. With --tui a live view of agents and waves replaces
the log output; logs then go to foreman.log next to the task store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), withTUI)
		},
	}
	cmd.Flags().BoolVar(&withTUI, "tui", false, "show the live terminal UI")
	return cmd
}

func (a *app) run(parent context.Context, withTUI bool) error {
	logOut := a.logOut
	if withTUI {
		path := filepath.Join(filepath.Dir(a.cfg.Database.Path), "foreman.log")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := a.logger(logOut)

	d, pd, err := a.dispatcher(logger)
	if err != nil {
		return err
	}

	bus := events.NewEventBus(a.cfg.Events.Buffer)
	defer bus.Close()

	s, err := a.open(parent, logger, bus, d)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	watcher := inbox.NewWatcher(a.cfg.Signals.Dir, s.orch, logger, 0)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return s.orch.Run(gctx) })

	if withTUI {
		p := tea.NewProgram(tui.New(bus, s.orch), tea.WithAltScreen())
		g.Go(func() error {
			// Quitting the UI stops the loop.
			defer cancel()
			_, err := p.Run()
			return err
		})
		go func() {
			<-gctx.Done()
			p.Quit()
		}()
	}

	logger.Info("foreman running", "db", a.cfg.Database.Path, "inbox", a.cfg.Signals.Dir,
		"interval", a.cfg.Tick.Interval, "dispatch", a.cfg.Dispatch.Mode)
	err = g.Wait()

	if pd != nil {
		if a.cfg.Dispatch.KillOnShutdown {
			logger.Info("stopping workers", "count", pd.Manager().Count(), "grace", a.cfg.Dispatch.ShutdownGrace)
			if serr := pd.Shutdown(a.cfg.Dispatch.ShutdownGrace); serr != nil {
				logger.Error("failed to stop workers", "err", serr)
			}
		} else if n := pd.Manager().Count(); n > 0 {
			logger.Info("leaving workers running", "count", n)
		}
	}
	logger.Info("shutdown complete")
	return err
}
