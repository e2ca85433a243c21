package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Supervisor.Workers != 0 {
		t.Errorf("expected default workers 0 (cpu count), got %d", cfg.Supervisor.Workers)
	}
	if cfg.Supervisor.GracePeriod.Duration() != 10*time.Second {
		t.Errorf("expected grace_period 10s, got %s", cfg.Supervisor.GracePeriod.Duration())
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected log format json, got %s", cfg.Logging.Format)
	}
}

func TestLoadValidConfig(t *testing.T) {
	yaml := `
supervisor:
  socket: /run/jsidecar.sock
  workers: 4
  worker_command: ["node", "/opt/executor/worker.js"]
  grace_period: 5s
logging:
  level: debug
  format: text
`
	path := filepath.Join(t.TempDir(), "jsidecar.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Supervisor.Socket != "/run/jsidecar.sock" {
		t.Errorf("socket: got %q", cfg.Supervisor.Socket)
	}
	if cfg.Supervisor.Workers != 4 {
		t.Errorf("workers: got %d, want 4", cfg.Supervisor.Workers)
	}
	if len(cfg.Supervisor.WorkerCommand) != 2 || cfg.Supervisor.WorkerCommand[0] != "node" {
		t.Errorf("worker_command: got %v", cfg.Supervisor.WorkerCommand)
	}
	if cfg.Supervisor.GracePeriod.Duration() != 5*time.Second {
		t.Errorf("grace_period: got %s, want 5s", cfg.Supervisor.GracePeriod.Duration())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging: got %+v", cfg.Logging)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jsidecar.yaml")
	if err := os.WriteFile(path, []byte("supervisor:\n  workers: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("defaults not applied: %+v", cfg.Logging)
	}
	if cfg.Supervisor.GracePeriod.Duration() != 10*time.Second {
		t.Errorf("default grace_period not applied: %s", cfg.Supervisor.GracePeriod.Duration())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jsidecar.yaml")
	if err := os.WriteFile(path, []byte("supervisor:\n  grace_period: banana\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"negative workers", func(c *Config) { c.Supervisor.Workers = -1 }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"text format", func(c *Config) { c.Logging.Format = "text" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate: err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}
