package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/foreman/internal/scheduler"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: tick.interval is FOREMAN_TICK_INTERVAL.
const EnvPrefix = "FOREMAN"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed YAML and
// invalid values are.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if len(cfg.Workers) == 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns the per-user config file location:
// $XDG_CONFIG_HOME/foreman/config.yaml or ~/.config/foreman/config.yaml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "foreman", "config.yaml")
	}
	return filepath.Join(home, ".config", "foreman", "config.yaml")
}

// ProjectPath returns the project config file location.
func ProjectPath() string {
	return filepath.Join(".foreman", "config.yaml")
}

// mergeConfigFile merges a YAML file into v. Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	if err := v.MergeConfig(f); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Database.Path != "", "database.path is required")
	check(c.Tick.Interval > 0, "tick.interval must be positive")
	check(c.Tick.MaintenanceEvery > 0, "tick.maintenance_every must be positive")
	check(c.Planner.MaxWaves > 0, "planner.max_waves must be positive")
	check(c.Planner.ConflictIterations > 0, "planner.conflict_iterations must be positive")
	check(c.Conflicts.CacheTTL > 0, "conflicts.cache_ttl must be positive")
	check(c.Health.StaleAfter > 0, "health.stale_after must be positive")
	check(c.Health.StuckAfter > c.Health.StaleAfter, "health.stuck_after must exceed health.stale_after")
	check(c.Health.IdlePurgeAfter > 0, "health.idle_purge_after must be positive")
	check(c.Retry.Base > 0, "retry.base must be positive")
	check(c.Retry.Cap >= c.Retry.Base, "retry.cap must be at least retry.base")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter <= 1, "retry.jitter must be within [0,1]")
	check(c.Retry.MaxRetries > 0, "retry.max_retries must be positive")
	check(c.Dispatch.Mode == "process" || c.Dispatch.Mode == "log", "dispatch.mode must be process or log, got %q", c.Dispatch.Mode)
	check(c.Dispatch.Timeout > 0, "dispatch.timeout must be positive")
	check(c.Dispatch.MaxAttempts > 0, "dispatch.max_attempts must be positive")
	check(c.Dispatch.BreakerFailures > 0, "dispatch.breaker_failures must be positive")
	check(c.Dispatch.BreakerCooldown > 0, "dispatch.breaker_cooldown must be positive")
	check(c.Signals.Dir != "", "signals.dir is required")
	check(c.Events.Buffer > 0, "events.buffer must be positive")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	var level slog.Level
	check(level.UnmarshalText([]byte(c.Log.Level)) == nil, "log.level %q is not a valid level", c.Log.Level)

	check(len(c.Workers) > 0, "at least one worker type is required")
	for name, w := range c.Workers {
		check(w.Capacity > 0, "workers.%s.capacity must be positive", name)
		for _, cat := range w.Categories {
			_, err := scheduler.ParseCategory(cat)
			check(err == nil, "workers.%s.categories: %v", name, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy converts the retry section into a scheduler.RetryPolicy.
func (c *Config) RetryPolicy() scheduler.RetryPolicy {
	return scheduler.RetryPolicy{
		Base:           c.Retry.Base,
		Cap:            c.Retry.Cap,
		JitterFraction: c.Retry.Jitter,
		MaxRetries:     c.Retry.MaxRetries,
	}
}

// LogLevel returns the configured slog level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Categories parses a worker type's accepted categories. An unknown worker
// type or an empty list accepts every category.
func (c *Config) Categories(workerType string) []scheduler.Category {
	w, ok := c.Workers[workerType]
	if !ok {
		return nil
	}
	out := make([]scheduler.Category, 0, len(w.Categories))
	for _, s := range w.Categories {
		if cat, err := scheduler.ParseCategory(s); err == nil {
			out = append(out, cat)
		}
	}
	return out
}
