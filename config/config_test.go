package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
	if cfg.Database.Store != StoreSQLX {
		t.Errorf("expected store=sqlx, got %s", cfg.Database.Store)
	}
	if cfg.Queue.Lease.Duration != 60*time.Second {
		t.Errorf("expected lease=60s, got %s", cfg.Queue.Lease)
	}
	if len(cfg.Warnings()) != 0 {
		t.Errorf("expected no warnings, got %v", cfg.Warnings())
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := writeConfig(t, "tangram.yaml", `
listen: ":9000"
name: east
log_level: debug
database:
  path: /var/lib/tangram/east.db
  store: zombiezen
queue:
  lease: 2m
  heartbeat_timeout: 45s
peers:
  - name: west
    url: http://west.internal:9000
worker:
  enabled: true
  concurrency: 4
  remotes: [west]
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Listen != ":9000" || cfg.Name != "east" {
		t.Errorf("unexpected listen/name %q/%q", cfg.Listen, cfg.Name)
	}
	if cfg.Database.Store != StoreZombiezen || cfg.Database.Path != "/var/lib/tangram/east.db" {
		t.Errorf("unexpected database %+v", cfg.Database)
	}
	if cfg.Queue.Lease.Duration != 2*time.Minute {
		t.Errorf("expected lease=2m, got %s", cfg.Queue.Lease)
	}
	if cfg.Queue.HeartbeatTimeout.Duration != 45*time.Second {
		t.Errorf("expected heartbeat_timeout=45s, got %s", cfg.Queue.HeartbeatTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Queue.SweepInterval.Duration != 10*time.Second {
		t.Errorf("expected default sweep_interval, got %s", cfg.Queue.SweepInterval)
	}
	if cfg.Worker.ModulesDir != "modules" {
		t.Errorf("expected default modules_dir, got %s", cfg.Worker.ModulesDir)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Name != "west" {
		t.Errorf("unexpected peers %+v", cfg.Peers)
	}
	if level, _ := cfg.Level(); level.String() != "DEBUG" {
		t.Errorf("expected debug level, got %s", level)
	}
}

func TestLoadFileTOML(t *testing.T) {
	path := writeConfig(t, "tangram.toml", `
name = "west"

[queue]
lease = "90s"
dispatch_interval = "5s"

[[peers]]
name = "east"
url = "http://east.internal:9000"

[worker]
enabled = true
modules_dir = "/opt/modules"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Name != "west" {
		t.Errorf("expected name=west, got %s", cfg.Name)
	}
	if cfg.Queue.Lease.Duration != 90*time.Second || cfg.Queue.DispatchInterval.Duration != 5*time.Second {
		t.Errorf("unexpected queue %+v", cfg.Queue)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].URL != "http://east.internal:9000" {
		t.Errorf("unexpected peers %+v", cfg.Peers)
	}
	if !cfg.Worker.Enabled || cfg.Worker.ModulesDir != "/opt/modules" || cfg.Worker.Concurrency != 1 {
		t.Errorf("unexpected worker %+v", cfg.Worker)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(writeConfig(t, "tangram.json", `{}`)); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFile(writeConfig(t, "bad.yaml", "queue:\n  lease: soon\n")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"store", func(c *Config) { c.Database.Store = "postgres" }, "database.store"},
		{"db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"lease", func(c *Config) { c.Queue.Lease = Duration{} }, "queue.lease"},
		{"peer url", func(c *Config) { c.Peers = []PeerConfig{{Name: "b", URL: "b:80"}} }, "invalid url"},
		{"peer self", func(c *Config) { c.Peers = []PeerConfig{{Name: "local", URL: "http://b"}} }, "own name"},
		{"peer duplicate", func(c *Config) {
			c.Peers = []PeerConfig{{Name: "b", URL: "http://b"}, {Name: "b", URL: "http://c"}}
		}, "duplicate"},
		{"worker remote", func(c *Config) {
			c.Worker.Enabled = true
			c.Worker.Remotes = []string{"nowhere"}
		}, "unknown peer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestWarnings(t *testing.T) {
	cfg := Default()
	cfg.Worker.Enabled = true
	cfg.Queue.HeartbeatTimeout = Duration{15 * time.Second}
	cfg.Queue.Lease = Duration{20 * time.Second}
	cfg.Peers = []PeerConfig{{Name: "b", URL: "http://b"}}

	warnings := cfg.Warnings()
	if len(warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", warnings)
	}
	if !strings.Contains(warnings[0], "heartbeat_timeout") {
		t.Errorf("expected heartbeat warning first, got %q", warnings[0])
	}
}
