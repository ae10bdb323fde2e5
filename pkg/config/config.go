package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/taskfence/taskfence/pkg/observability/logger"
)

// Config is the process configuration consumed by the lease coordinator.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects and configures the lease store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
	Table  string `mapstructure:"table"`
}

// SchedulerConfig tunes the scheduling loop.
type SchedulerConfig struct {
	HolderID         string        `mapstructure:"holder_id"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	CancelGrace      time.Duration `mapstructure:"cancel_grace"`
}

// JanitorConfig tunes the orphaned-lease sweeper.
type JanitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Driver: "postgres",
			Table:  "task_leases",
		},
		Scheduler: SchedulerConfig{
			LeaseDuration:    30 * time.Second,
			ExecutionTimeout: 5 * time.Minute,
			CancelGrace:      10 * time.Second,
		},
		Janitor: JanitorConfig{
			Interval:    time.Minute,
			GracePeriod: 2 * time.Minute,
		},
	}
}

var supportedDrivers = map[string]struct{}{
	"postgres": {},
	"mysql":    {},
	"redis":    {},
	"memory":   {},
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, err := logger.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logger.ParseLogFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}

	// The URL is not required here: defaults carry no connection string, and
	// the store constructor for each driver rejects an empty URL when a store
	// is actually built.
	driver := strings.TrimSpace(c.Database.Driver)
	if _, ok := supportedDrivers[driver]; !ok {
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}

	if c.Scheduler.LeaseDuration <= 0 {
		return fmt.Errorf("scheduler.lease_duration must be > 0")
	}
	if c.Scheduler.ExecutionTimeout <= 0 {
		return fmt.Errorf("scheduler.execution_timeout must be > 0")
	}
	if c.Scheduler.CancelGrace < 0 {
		return fmt.Errorf("scheduler.cancel_grace must be >= 0")
	}

	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor.interval must be > 0")
	}
	// A sweep must never steal from a slow but living holder.
	if c.Janitor.GracePeriod < c.Scheduler.LeaseDuration {
		return fmt.Errorf("janitor.grace_period (%s) must be >= scheduler.lease_duration (%s)",
			c.Janitor.GracePeriod, c.Scheduler.LeaseDuration)
	}

	return nil
}
