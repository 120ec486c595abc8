package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// settings renders the config as nested maps keyed like the YAML file, with
// durations in their string form so the output loads back unchanged.
func (c *Config) settings() map[string]any {
	workers := make(map[string]any, len(c.Workers))
	for name, w := range c.Workers {
		entry := map[string]any{"capacity": w.Capacity}
		if w.Command != "" {
			entry["command"] = w.Command
		}
		if len(w.Args) > 0 {
			entry["args"] = w.Args
		}
		if len(w.Categories) > 0 {
			entry["categories"] = w.Categories
		}
		workers[name] = entry
	}

	return map[string]any{
		"database": map[string]any{"path": c.Database.Path},
		"tick": map[string]any{
			"interval":          c.Tick.Interval.String(),
			"maintenance_every": c.Tick.MaintenanceEvery,
		},
		"planner": map[string]any{
			"max_waves":           c.Planner.MaxWaves,
			"conflict_iterations": c.Planner.ConflictIterations,
		},
		"conflicts": map[string]any{"cache_ttl": c.Conflicts.CacheTTL.String()},
		"health": map[string]any{
			"stale_after":      c.Health.StaleAfter.String(),
			"stuck_after":      c.Health.StuckAfter.String(),
			"idle_purge_after": c.Health.IdlePurgeAfter.String(),
		},
		"retry": map[string]any{
			"base":        c.Retry.Base.String(),
			"cap":         c.Retry.Cap.String(),
			"jitter":      c.Retry.Jitter,
			"max_retries": c.Retry.MaxRetries,
		},
		"dispatch": map[string]any{
			"mode":              c.Dispatch.Mode,
			"timeout":           c.Dispatch.Timeout.String(),
			"max_attempts":      c.Dispatch.MaxAttempts,
			"breaker_failures":  c.Dispatch.BreakerFailures,
			"breaker_cooldown":  c.Dispatch.BreakerCooldown.String(),
			"shutdown_grace":    c.Dispatch.ShutdownGrace.String(),
			"kill_on_shutdown":  c.Dispatch.KillOnShutdown,
			"working_directory": c.Dispatch.WorkingDirectory,
		},
		"signals": map[string]any{"dir": c.Signals.Dir},
		"events":  map[string]any{"buffer": c.Events.Buffer},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"workers": workers,
	}
}

// Marshal renders the configuration as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg.settings())
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
