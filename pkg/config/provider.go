package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const defaultEnvPrefix = "TASKFENCE"

// Provider loads coordinator configuration from an optional YAML file with
// environment variable overrides layered on top.
type Provider struct {
	configFile string
	envPrefix  string
}

// NewProvider creates a configuration provider. configFile may be empty, in
// which case only defaults and environment variables apply.
func NewProvider(configFile, envPrefix string) *Provider {
	if strings.TrimSpace(envPrefix) == "" {
		envPrefix = defaultEnvPrefix
	}
	return &Provider{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// ConfigFile returns the path to the config file this provider reads, or
// empty string when none was supplied.
func (p *Provider) ConfigFile() string {
	if p == nil {
		return ""
	}
	return p.configFile
}

// Load reads, merges and validates the configuration.
func (p *Provider) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("database.driver", defaults.Database.Driver)
	v.SetDefault("database.url", defaults.Database.URL)
	v.SetDefault("database.table", defaults.Database.Table)
	v.SetDefault("scheduler.holder_id", defaults.Scheduler.HolderID)
	v.SetDefault("scheduler.lease_duration", defaults.Scheduler.LeaseDuration)
	v.SetDefault("scheduler.execution_timeout", defaults.Scheduler.ExecutionTimeout)
	v.SetDefault("scheduler.cancel_grace", defaults.Scheduler.CancelGrace)
	v.SetDefault("janitor.interval", defaults.Janitor.Interval)
	v.SetDefault("janitor.grace_period", defaults.Janitor.GracePeriod)

	if p.configFile != "" {
		v.SetConfigFile(p.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", p.configFile, err)
		}
	}

	v.SetEnvPrefix(p.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
