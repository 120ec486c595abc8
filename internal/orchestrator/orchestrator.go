// Package orchestrator runs the scheduling control loop. Each tick reclaims
// work from stuck agents, performs periodic maintenance, advances waves and
// hands eligible tasks to workers. All state lives in the persistence store;
// an Orchestrator holds only configuration and collaborators, so several
// instances can run side by side in tests.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aristath/foreman/internal/config"
	"github.com/aristath/foreman/internal/dispatch"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/scheduler"
)

// BudgetChecker decides whether the scheduler may start new work this cycle.
// Returning false with a reason skips the assign phase; health, maintenance
// and wave progression still run.
type BudgetChecker interface {
	CheckBudget(ctx context.Context) (ok bool, reason string, err error)
}

// BudgetFunc adapts a function to BudgetChecker.
type BudgetFunc func(ctx context.Context) (bool, string, error)

func (f BudgetFunc) CheckBudget(ctx context.Context) (bool, string, error) { return f(ctx) }

// MaintenanceJob is extra work run during the maintenance phase.
type MaintenanceJob interface {
	Name() string
	Run(ctx context.Context, now time.Time) error
}

// Options configures an Orchestrator. Store is required; everything else has
// a default.
type Options struct {
	Store       persistence.Store
	Bus         *events.EventBus
	Dispatcher  dispatch.Dispatcher
	Logger      *slog.Logger
	Config      *config.Config
	Budget      BudgetChecker
	Notifier    Notifier
	Maintenance []MaintenanceJob
	Now         func() time.Time
}

// Orchestrator owns one scheduling loop.
type Orchestrator struct {
	store      persistence.Store
	bus        *events.EventBus
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	cfg        *config.Config
	budget     BudgetChecker
	notifier   *asyncNotifier
	jobs       []MaintenanceJob
	now        func() time.Time

	policy      scheduler.RetryPolicy
	locks       *scheduler.ListLockManager
	workerTypes []string
	running     atomic.Bool // overlap guard for Tick
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewEventBus(cfg.Events.Buffer)
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = dispatch.LogDispatcher{Logger: logger}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	types := make([]string, 0, len(cfg.Workers))
	for name := range cfg.Workers {
		types = append(types, name)
	}
	sort.Strings(types)

	return &Orchestrator{
		store:       opts.Store,
		bus:         bus,
		dispatcher:  dispatcher,
		logger:      logger,
		cfg:         cfg,
		budget:      opts.Budget,
		notifier:    newAsyncNotifier(notifier, logger),
		jobs:        opts.Maintenance,
		now:         func() time.Time { return now().UTC() },
		policy:      cfg.RetryPolicy(),
		locks:       scheduler.NewListLockManager(),
		workerTypes: types,
	}, nil
}

// Bus returns the event bus the orchestrator publishes to.
func (o *Orchestrator) Bus() *events.EventBus { return o.bus }

// Store returns the backing store.
func (o *Orchestrator) Store() persistence.Store { return o.store }

// Wait blocks until queued notifications have been delivered.
func (o *Orchestrator) Wait() { o.notifier.wait() }
