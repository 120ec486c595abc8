package config

import "time"

// Config is the top-level configuration.
type Config struct {
	Database  DatabaseConfig          `mapstructure:"database"`
	Tick      TickConfig              `mapstructure:"tick"`
	Planner   PlannerConfig           `mapstructure:"planner"`
	Conflicts ConflictsConfig         `mapstructure:"conflicts"`
	Health    HealthConfig            `mapstructure:"health"`
	Retry     RetryConfig             `mapstructure:"retry"`
	Dispatch  DispatchConfig          `mapstructure:"dispatch"`
	Signals   SignalsConfig           `mapstructure:"signals"`
	Events    EventsConfig            `mapstructure:"events"`
	Log       LogConfig               `mapstructure:"log"`
	Workers   map[string]WorkerConfig `mapstructure:"workers"` // Keyed by worker type
}

// DatabaseConfig locates the task store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite file; ":memory:" for a throwaway store
}

// TickConfig controls the control loop cadence.
type TickConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	MaintenanceEvery int           `mapstructure:"maintenance_every"` // Run maintenance every N cycles
}

// PlannerConfig bounds wave planning.
type PlannerConfig struct {
	MaxWaves           int `mapstructure:"max_waves"`
	ConflictIterations int `mapstructure:"conflict_iterations"` // Max task moves per conflict pass
}

// ConflictsConfig controls the pair verdict cache.
type ConflictsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// HealthConfig holds the liveness thresholds.
type HealthConfig struct {
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	StuckAfter     time.Duration `mapstructure:"stuck_after"`
	IdlePurgeAfter time.Duration `mapstructure:"idle_purge_after"`
}

// RetryConfig holds the cooldown policy.
type RetryConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Cap        time.Duration `mapstructure:"cap"`
	Jitter     float64       `mapstructure:"jitter"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// DispatchConfig controls how claimed work reaches workers.
type DispatchConfig struct {
	Mode             string        `mapstructure:"mode"` // "process" or "log"
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BreakerFailures  int           `mapstructure:"breaker_failures"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	KillOnShutdown   bool          `mapstructure:"kill_on_shutdown"`
	WorkingDirectory string        `mapstructure:"working_directory"`
}

// SignalsConfig locates the worker signal inbox.
type SignalsConfig struct {
	Dir string `mapstructure:"dir"`
}

// EventsConfig sizes subscriber buffers.
type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// WorkerConfig defines one worker type: the command that starts it, how many
// may run at once, and which task categories it accepts.
type WorkerConfig struct {
	Command    string   `mapstructure:"command"`
	Args       []string `mapstructure:"args"`
	Capacity   int      `mapstructure:"capacity"`
	Categories []string `mapstructure:"categories"` // Empty accepts every category
}
