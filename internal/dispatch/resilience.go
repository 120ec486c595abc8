package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	MaxAttempts         int           // Attempts per dispatch, 0 for unlimited within MaxElapsedTime
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxAttempts:         3,
	}
}

// BreakerSettings configures the per-worker-type circuit breakers.
type BreakerSettings struct {
	Failures uint32        // Consecutive failures that open the circuit
	Cooldown time.Duration // Time the circuit stays open before probing
}

// CircuitBreakerRegistry manages per-worker-type circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(settings BreakerSettings, logger *slog.Logger) *CircuitBreakerRegistry {
	if settings.Failures == 0 {
		settings.Failures = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given worker type.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(workerType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerType]; ok {
		return cb
	}

	failures := r.settings.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerType,
		MaxRequests: 1, // One probe dispatch in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("dispatch circuit changed state", "worker_type", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Shutdown is not a worker failure.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[workerType] = cb
	return cb
}

// Resilient wraps a Dispatcher with a per-worker-type circuit breaker and a
// short exponential retry.
type Resilient struct {
	next     Dispatcher
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
	timeout  time.Duration
}

// NewResilient wraps next. timeout bounds a single dispatch attempt; zero
// leaves attempts unbounded.
func NewResilient(next Dispatcher, breakers *CircuitBreakerRegistry, retry RetryConfig, timeout time.Duration) *Resilient {
	return &Resilient{next: next, breakers: breakers, retry: retry, timeout: timeout}
}

// Dispatch implements Dispatcher.
func (r *Resilient) Dispatch(ctx context.Context, a Assignment) error {
	return dispatchWithRetry(ctx, r.next, a, r.breakers.Get(a.WorkerType), r.retry, r.timeout)
}

// dispatchWithRetry dispatches with exponential backoff retry and circuit breaker protection.
func dispatchWithRetry(ctx context.Context, d Dispatcher, a Assignment, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, timeout time.Duration) error {
	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := cb.Execute(func() (interface{}, error) {
			attemptCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return nil, d.Dispatch(attemptCtx, a)
		})
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrUnknownWorkerType) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	var policy backoff.BackOff = backoffPolicy
	if retryCfg.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(retryCfg.MaxAttempts-1))
	}

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
