package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/foreman/internal/inbox"
	"github.com/aristath/foreman/internal/intake"
	"github.com/aristath/foreman/internal/orchestrator"
	"github.com/aristath/foreman/internal/scheduler"
	"github.com/aristath/foreman/internal/tui"
)

func (a *app) tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Apply pending signals and run a single scheduling cycle",
		Long: `Tick runs one cycle and exits, for deployments that drive the scheduler
from cron or CI instead of a long-running process. Signal files already in
the inbox are applied first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger(a.logOut)
			d, _, err := a.dispatcher(logger)
			if err != nil {
				return err
			}
			s, err := a.open(ctx, logger, nil, d)
			if err != nil {
				return err
			}
			defer s.Close()

			inbox.NewWatcher(a.cfg.Signals.Dir, s.orch, logger, 0).Scan(ctx)

			report, err := s.orch.Tick(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if report.Paused {
				fmt.Fprintln(out, "scheduler is paused, no work assigned")
				return nil
			}
			fmt.Fprintf(out, "cycle %d: claimed %d, reclaimed %d in %s\n",
				report.Cycle, report.Claimed, report.Reclaimed, report.Duration.Round(time.Millisecond))
			var failed []string
			for _, p := range report.Phases {
				if p.Err != "" {
					failed = append(failed, fmt.Sprintf("%s: %s", p.Phase, p.Err))
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("cycle %d had failing phases:\n  %s", report.Cycle, strings.Join(failed, "\n  "))
			}
			return nil
		},
	}
}

func (a *app) importCmd() *cobra.Command {
	var noPlan bool
	cmd := &cobra.Command{
		Use:   "import <manifest.yaml>",
		Short: "Import task lists from a YAML manifest and plan them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := intake.LoadFile(args[0])
			if err != nil {
				return err
			}
			s, err := a.open(ctx, nil, nil, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := intake.Import(ctx, s.store, m, a.now().UTC())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "imported %d tasks, %d edges, %d file impacts into %d lists\n",
				len(res.Tasks), res.Edges, res.Impacts, len(res.Lists))
			if noPlan {
				return nil
			}

			var errs []error
			for _, l := range res.Lists {
				pr, err := s.orch.PlanList(ctx, l.ID)
				if err != nil {
					errs = append(errs, fmt.Errorf("plan %s: %w", l.Name, err))
					continue
				}
				printPlan(cmd, pr)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&noPlan, "no-plan", false, "import without planning waves")
	return cmd
}

func (a *app) planCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "plan [list]",
		Short: "Recompute waves for a list",
		Long: `Plan recomputes the wave assignment of a list's open tasks, resolves
same-wave file conflicts and starts a new wave run. Planning a list that was
held for review clears the hold.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give a list name or --all")
			}
			ctx := cmd.Context()
			s, err := a.open(ctx, nil, nil, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if all {
				results, err := s.orch.PlanAll(ctx)
				for _, pr := range results {
					printPlan(cmd, pr)
				}
				return err
			}
			pr, err := s.orch.PlanList(ctx, args[0])
			if err != nil {
				return err
			}
			printPlan(cmd, pr)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "plan every list")
	return cmd
}

func printPlan(cmd *cobra.Command, pr *orchestrator.PlanResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s\n", pr.List.Name, pr.Plan.Describe())
	for _, c := range pr.Conflicts {
		fmt.Fprintf(out, "  %s\n", c.Error())
	}
	if pr.Cycle != nil {
		fmt.Fprintf(out, "  warning: %s\n", pr.Cycle.Error())
	}
}

func (a *app) statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status [list]",
		Short: "Show lists, waves, live sessions and recent task history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, nil, nil, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			var filter string
			if len(args) == 1 {
				filter = args[0]
			}
			st, err := s.orch.Status(ctx, filter, recent)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tui.RenderStatus(st, 80))
			return nil
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 10, "number of recent history rows")
	return cmd
}

func (a *app) claimCmd() *cobra.Command {
	var workerID, workerType, list string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim one eligible task outside the loop",
		Long: `Claim hands the next eligible task to a worker started by hand. On success
it prints the FOREMAN_* environment the worker needs, so a shell can
eval "$(foreman claim --type generalist)".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, nil, nil, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			var listID string
			if list != "" {
				l, err := s.store.GetList(ctx, list)
				if err != nil {
					return err
				}
				listID = l.ID
			}
			claim, err := s.orch.Claim(ctx, workerID, workerType, listID)
			if err != nil {
				return err
			}
			if claim == nil {
				return fmt.Errorf("no eligible task")
			}
			for _, kv := range orchestrator.AssignmentFor(claim).Env(a.cfg.Signals.Dir) {
				k, v, _ := strings.Cut(kv, "=")
				fmt.Fprintf(cmd.OutOrStdout(), "export %s=%q\n", k, v)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id (generated when empty)")
	cmd.Flags().StringVar(&workerType, "type", "generalist", "worker type")
	cmd.Flags().StringVar(&list, "list", "", "only claim from this list")
	return cmd
}

func (a *app) pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop assigning work; health checks and wave progression continue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), nil, nil, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.orch.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "paused")
			return nil
		},
	}
}

func (a *app) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume assigning work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), nil, nil, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.orch.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "resumed")
			return nil
		},
	}
}

func (a *app) signalCmd() *cobra.Command {
	var sig scheduler.WorkerSignal
	var apply bool
	cmd := &cobra.Command{
		Use:   "signal <spawned|heartbeat|completed|failed>",
		Short: "Report a worker lifecycle signal",
		Long: `Signal drops a signal file into the inbox for the running scheduler to
apply. Workers normally read FOREMAN_SESSION_ID and FOREMAN_GENERATION from
their environment; the flags default to those variables. With --apply the
signal is written straight to the task store instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := scheduler.ParseSignalKind(args[0])
			if err != nil {
				return err
			}
			sig.Kind = kind
			if err := sig.Validate(); err != nil {
				return err
			}

			if !apply {
				path, err := inbox.WriteSignal(a.cfg.Signals.Dir, sig)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}

			s, err := a.open(cmd.Context(), nil, nil, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.orch.HandleSignal(cmd.Context(), sig); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s applied\n", kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&sig.SessionID, "session", envOr("FOREMAN_SESSION_ID", ""), "session id")
	cmd.Flags().Int64Var(&sig.Generation, "generation", envInt("FOREMAN_GENERATION"), "claim generation (0 uses the session's)")
	cmd.Flags().StringVar(&sig.TaskID, "task", envOr("FOREMAN_TASK_ID", ""), "task id or display id, checked against the session")
	cmd.Flags().StringVar(&sig.Error, "error", "", "failure reason for failed signals")
	cmd.Flags().BoolVar(&apply, "apply", false, "apply directly instead of via the inbox")
	return cmd
}
