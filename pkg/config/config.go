package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/policy"
	"github.com/tokenflow/tokenflow/pkg/stores"
	"github.com/tokenflow/tokenflow/pkg/telemetry"
)

// Environment variables that override file settings.
const (
	EnvDatabasePath = "TOKENFLOW_DB_PATH"
	EnvLogLevel     = "LOG_LEVEL"
	EnvEnvironment  = "TOKENFLOW_ENV"
	EnvMaxSteps     = "TOKENFLOW_MAX_STEPS"
)

// Config is the tokenflow application configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Telemetry   *telemetry.Config `yaml:"telemetry" validate:"required"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Policies    PoliciesConfig    `yaml:"policies"`
	Engine      EngineConfig      `yaml:"engine"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"maxOpenConns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"maxIdleConns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" validate:"gte=0"`
	BusyTimeout     time.Duration `yaml:"busyTimeout" validate:"gte=0"`

	// AutoMigrate applies pending migrations when the store is opened.
	AutoMigrate bool `yaml:"autoMigrate"`
}

// DefinitionsConfig configures where process definitions are deployed from.
type DefinitionsConfig struct {
	// Directory holds *.yaml definitions deployed at startup. Empty disables it.
	Directory string `yaml:"directory"`

	// Watch redeploys definitions when files in Directory change.
	Watch bool `yaml:"watch"`
}

// PoliciesConfig configures the change-state policy guard.
type PoliciesConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are .rego files, JSON policies, YAML bundles or directories of them.
	Paths []string `yaml:"paths"`

	// Watch recompiles policies when files under Paths change.
	Watch bool `yaml:"watch"`

	// Builtins enables the built-in policies.
	Builtins bool `yaml:"builtins"`

	// Data is exposed to policies as data.config.
	Data map[string]interface{} `yaml:"data"`
}

// EngineConfig configures the process engine.
type EngineConfig struct {
	ExpressionTimeout time.Duration `yaml:"expressionTimeout" validate:"gt=0"`
	MaxSteps          int           `yaml:"maxSteps" validate:"gt=0"`

	// BatchParallelism bounds the instances a batch change-state request migrates at once.
	BatchParallelism int `yaml:"batchParallelism" validate:"gte=1"`

	// StrictListeners aborts an operation when the event publisher fails.
	StrictListeners bool `yaml:"strictListeners"`
}

// SchedulerConfig configures the timer scheduler run by `tokenflow scheduler`.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`
	BatchSize    int           `yaml:"batchSize" validate:"gt=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "tokenflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
			AutoMigrate:     true,
		},
		Telemetry: telemetry.DefaultConfig(),
		Policies: PoliciesConfig{
			Builtins: true,
		},
		Engine: EngineConfig{
			ExpressionTimeout: time.Second,
			MaxSteps:          engine.DefaultMaxSteps,
			BatchParallelism:  4,
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Second,
			BatchSize:    100,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults and applies
// environment overrides. An empty path only applies the overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDatabasePath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
	if v, ok := lookup(EnvEnvironment); ok && v != "" {
		c.Telemetry.Environment = v
	}
	if v, ok := lookup(EnvMaxSteps); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxSteps, err)
		}
		c.Engine.MaxSteps = n
	}
	return nil
}

// Validate checks the configuration, including the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if c.Definitions.Watch && c.Definitions.Directory == "" {
		return fmt.Errorf("invalid configuration: definitions.watch requires definitions.directory")
	}
	if c.Policies.Watch && len(c.Policies.Paths) == 0 {
		return fmt.Errorf("invalid configuration: policies.watch requires policies.paths")
	}
	return nil
}

// StoreConfig returns the SQLite store settings.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:            c.Database.Path,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		BusyTimeout:     c.Database.BusyTimeout,
	}
}

// EngineOptions returns the engine options derived from the engine section.
func (c *Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithExpressionTimeout(c.Engine.ExpressionTimeout),
		engine.WithMaxSteps(c.Engine.MaxSteps),
	}
}

// ListenerOptions returns the registration options for the event publisher.
func (c *Config) ListenerOptions() []engine.ListenerOption {
	if c.Engine.StrictListeners {
		return []engine.ListenerOption{engine.FailOnException()}
	}
	return nil
}

// PolicyOptions returns the policy engine options derived from the policies section.
func (c *Config) PolicyOptions() []policy.Option {
	opts := []policy.Option{
		policy.WithEnvironment(c.Telemetry.Environment),
	}
	if c.Policies.Data != nil {
		opts = append(opts, policy.WithConfigData(c.Policies.Data))
	}
	if !c.Policies.Builtins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	return opts
}
