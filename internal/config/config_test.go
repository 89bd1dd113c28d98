// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  health_addr: "0.0.0.0:8437"

database:
  path: "./test.db"

engine:
  max_concurrent: 8
  progress_buffer: 512
  step_timeout: "90s"

probe:
  timeout: "5s"

logging:
  level: "debug"
  format: "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HealthAddr != "0.0.0.0:8437" {
		t.Errorf("HealthAddr = %q, want 0.0.0.0:8437", cfg.Server.HealthAddr)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want ./test.db", cfg.Database.Path)
	}
	if cfg.Engine.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.Engine.MaxConcurrent)
	}
	if cfg.Engine.ProgressBuffer != 512 {
		t.Errorf("ProgressBuffer = %d, want 512", cfg.Engine.ProgressBuffer)
	}
	if cfg.Engine.StepTimeout != 90*time.Second {
		t.Errorf("StepTimeout = %v, want 90s", cfg.Engine.StepTimeout)
	}
	if cfg.Probe.Timeout != 5*time.Second {
		t.Errorf("Probe.Timeout = %v, want 5s", cfg.Probe.Timeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Only the database path is set; everything else comes from defaults.
	configContent := `
database:
  path: "./test.db"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want default 4", cfg.Engine.MaxConcurrent)
	}
	if cfg.Engine.ProgressBuffer != 256 {
		t.Errorf("ProgressBuffer = %d, want default 256", cfg.Engine.ProgressBuffer)
	}
	if cfg.Engine.StepTimeout != 2*time.Minute {
		t.Errorf("StepTimeout = %v, want default 2m", cfg.Engine.StepTimeout)
	}
	if cfg.Probe.Timeout != 15*time.Second {
		t.Errorf("Probe.Timeout = %v, want default 15s", cfg.Probe.Timeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/var/lib/orchestrator.db")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  path: "${TEST_DB_PATH}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/orchestrator.db" {
		t.Errorf("Database.Path = %q, want expanded env value", cfg.Database.Path)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  path: "${DEFINITELY_NOT_SET_XYZ}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail when database.path expands to empty")
	}
	if !strings.Contains(err.Error(), "database.path is required") {
		t.Errorf("error = %v, want database.path is required", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  path: "./test.db"

engine:
  step_timeout: "ninety seconds"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail on an unparseable duration")
	}
	if !strings.Contains(err.Error(), "step_timeout") {
		t.Errorf("error = %v, want mention of step_timeout", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "zero max concurrent",
			mutate:  func(c *Config) { c.Engine.MaxConcurrent = 0 },
			wantErr: "max_concurrent",
		},
		{
			name:    "zero progress buffer",
			mutate:  func(c *Config) { c.Engine.ProgressBuffer = 0 },
			wantErr: "progress_buffer",
		},
		{
			name:    "negative step timeout",
			mutate:  func(c *Config) { c.Engine.StepTimeout = -time.Second },
			wantErr: "step_timeout",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
