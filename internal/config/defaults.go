package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultWorkerType is the worker type present in every default configuration.
const DefaultWorkerType = "generalist"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: ".foreman/foreman.db"},
		Tick: TickConfig{
			Interval:         60 * time.Second,
			MaintenanceEvery: 5,
		},
		Planner: PlannerConfig{
			MaxWaves:           50,
			ConflictIterations: 200,
		},
		Conflicts: ConflictsConfig{CacheTTL: 10 * time.Minute},
		Health: HealthConfig{
			StaleAfter:     15 * time.Minute,
			StuckAfter:     30 * time.Minute,
			IdlePurgeAfter: 60 * time.Minute,
		},
		Retry: RetryConfig{
			Base:       60 * time.Second,
			Cap:        10 * time.Minute,
			Jitter:     0.3,
			MaxRetries: 5,
		},
		Dispatch: DispatchConfig{
			Mode:            "process",
			Timeout:         30 * time.Second,
			MaxAttempts:     3,
			BreakerFailures: 5,
			BreakerCooldown: 2 * time.Minute,
			ShutdownGrace:   10 * time.Second,
		},
		Signals: SignalsConfig{Dir: ".foreman/inbox"},
		Events:  EventsConfig{Buffer: 256},
		Log:     LogConfig{Level: "info", Format: "text"},
		Workers: map[string]WorkerConfig{
			DefaultWorkerType: {Capacity: 4},
		},
	}
}

// setDefaults registers every scalar default with v so env overrides and
// partial files resolve against them. Workers are not registered: a file that
// defines worker types replaces the default set instead of merging into it.
func setDefaults(v *viper.Viper) {
	settings := DefaultConfig().settings()
	delete(settings, "workers")
	for key, value := range flatten("", settings) {
		v.SetDefault(key, value)
	}
}

// flatten turns nested settings into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for fk, fv := range flatten(key, nested) {
				out[fk] = fv
			}
			continue
		}
		out[key] = v
	}
	return out
}
