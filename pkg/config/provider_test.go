package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProvider_LoadDefaults(t *testing.T) {
	provider := NewProvider("", "TASKFENCE_TEST_DEFAULTS")

	cfg, err := provider.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("unexpected default driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Table != "task_leases" {
		t.Fatalf("unexpected default table %q", cfg.Database.Table)
	}
	if cfg.Scheduler.LeaseDuration != 30*time.Second {
		t.Fatalf("unexpected default lease duration %s", cfg.Scheduler.LeaseDuration)
	}
	if cfg.Janitor.GracePeriod < cfg.Scheduler.LeaseDuration {
		t.Fatal("default grace period must cover the lease duration")
	}
}

func TestProvider_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskfence.yaml")
	payload := `
log:
  level: debug
  format: text
database:
  driver: mysql
  url: coordinator:secret@tcp(localhost:3306)/coordinator
  table: coordinator_leases
scheduler:
  holder_id: instance-a
  lease_duration: 45s
  execution_timeout: 2m
  cancel_grace: 5s
janitor:
  interval: 30s
  grace_period: 90s
`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := NewProvider(path, "TASKFENCE_TEST_FILE").Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Database.Driver != "mysql" {
		t.Fatalf("unexpected driver %q", cfg.Database.Driver)
	}
	if cfg.Scheduler.HolderID != "instance-a" {
		t.Fatalf("unexpected holder id %q", cfg.Scheduler.HolderID)
	}
	if cfg.Scheduler.LeaseDuration != 45*time.Second {
		t.Fatalf("unexpected lease duration %s", cfg.Scheduler.LeaseDuration)
	}
	if cfg.Janitor.GracePeriod != 90*time.Second {
		t.Fatalf("unexpected grace period %s", cfg.Janitor.GracePeriod)
	}
}

func TestProvider_EnvOverridesFile(t *testing.T) {
	t.Setenv("TASKFENCE_SCHEDULER_LEASE_DURATION", "1m")
	t.Setenv("TASKFENCE_JANITOR_GRACE_PERIOD", "5m")

	cfg, err := NewProvider("", "TASKFENCE").Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.LeaseDuration != time.Minute {
		t.Fatalf("expected env override, got %s", cfg.Scheduler.LeaseDuration)
	}
	if cfg.Janitor.GracePeriod != 5*time.Minute {
		t.Fatalf("expected env override, got %s", cfg.Janitor.GracePeriod)
	}
}

func TestProvider_RejectsMissingFile(t *testing.T) {
	if _, err := NewProvider("/does/not/exist.yaml", "TASKFENCE_TEST_MISSING").Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"unknown driver", func(cfg *Config) { cfg.Database.Driver = "oracle" }},
		{"bad log level", func(cfg *Config) { cfg.Log.Level = "verbose" }},
		{"bad log format", func(cfg *Config) { cfg.Log.Format = "xml" }},
		{"zero lease duration", func(cfg *Config) { cfg.Scheduler.LeaseDuration = 0 }},
		{"zero execution timeout", func(cfg *Config) { cfg.Scheduler.ExecutionTimeout = 0 }},
		{"negative cancel grace", func(cfg *Config) { cfg.Scheduler.CancelGrace = -time.Second }},
		{"zero janitor interval", func(cfg *Config) { cfg.Janitor.Interval = 0 }},
		{"grace below lease duration", func(cfg *Config) {
			cfg.Scheduler.LeaseDuration = time.Minute
			cfg.Janitor.GracePeriod = time.Second
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Database.URL = "postgres://localhost/coordinator"
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestConfig_ValidateAcceptsDefaultsWithoutURL(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfig_ValidateAcceptsMemoryDriverWithoutURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Database.URL = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
