package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tokenflow/tokenflow/pkg/stores"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
	if len(cfg.EngineOptions()) != 2 {
		t.Errorf("Expected 2 engine options, got %d", len(cfg.EngineOptions()))
	}
	if cfg.ListenerOptions() != nil {
		t.Error("Expected no listener options by default")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenflow.yaml")
	content := `
database:
  path: /tmp/flows.db
  busyTimeout: 10s
telemetry:
  logging:
    level: debug
definitions:
  directory: ./processes
  watch: true
policies:
  enabled: true
  paths: [./policies]
  data:
    protected_activities: [payment]
engine:
  expressionTimeout: 2s
  batchParallelism: 8
  strictListeners: true
scheduler:
  pollInterval: 500ms
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := stores.Config{
		Path:            "/tmp/flows.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		BusyTimeout:     10 * time.Second,
	}
	if diff := cmp.Diff(want, cfg.StoreConfig()); diff != "" {
		t.Errorf("Unexpected store config (-want +got):\n%s", diff)
	}

	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.ServiceName != "tokenflow" {
		t.Errorf("Expected telemetry defaults to survive, got service %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Engine.ExpressionTimeout != 2*time.Second || cfg.Engine.BatchParallelism != 8 {
		t.Errorf("Unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Scheduler.PollInterval != 500*time.Millisecond || cfg.Scheduler.BatchSize != 100 {
		t.Errorf("Unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if len(cfg.ListenerOptions()) != 1 {
		t.Error("Expected strict listener registration")
	}
	if diff := cmp.Diff([]interface{}{"payment"}, cfg.Policies.Data["protected_activities"]); diff != "" {
		t.Errorf("Unexpected policy data (-want +got):\n%s", diff)
	}
	if len(cfg.PolicyOptions()) != 2 {
		t.Errorf("Expected 2 policy options, got %d", len(cfg.PolicyOptions()))
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "database: [", "failed to parse config file"},
		{"empty database path", "database:\n  path: \"\"\n", "invalid configuration"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n", "invalid"},
		{"zero parallelism", "engine:\n  batchParallelism: 0\n", "invalid configuration"},
		{"watch without directory", "definitions:\n  watch: true\n", "definitions.watch"},
		{"policy watch without paths", "policies:\n  watch: true\n", "policies.watch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDatabasePath: ":memory:",
		EnvLogLevel:     "warn",
		EnvEnvironment:  "staging",
		EnvMaxSteps:     "50",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}
	if cfg.Database.Path != ":memory:" || cfg.Telemetry.Logging.Level != "warn" ||
		cfg.Telemetry.Environment != "staging" || cfg.Engine.MaxSteps != 50 {
		t.Errorf("Overrides not applied: %+v %+v", cfg.Database, cfg.Engine)
	}

	env[EnvMaxSteps] = "many"
	if err := DefaultConfig().applyEnv(lookup); err == nil {
		t.Error("Expected error for a non-numeric step limit")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv(EnvDatabasePath, filepath.Join(t.TempDir(), "env.db"))
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !strings.HasSuffix(cfg.Database.Path, "env.db") {
		t.Errorf("Expected env database path, got %s", cfg.Database.Path)
	}
}
