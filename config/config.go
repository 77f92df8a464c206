// Package config loads a tangram server configuration from a YAML or TOML
// file. Missing keys keep the values from Default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreSQLX      = "sqlx"
	StoreZombiezen = "zombiezen"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Listen string `yaml:"listen" toml:"listen"`
	// Name identifies this server to its peers.
	Name     string `yaml:"name" toml:"name"`
	LogLevel string `yaml:"log_level" toml:"log_level"`

	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Queue    QueueConfig    `yaml:"queue" toml:"queue"`
	Peers    []PeerConfig   `yaml:"peers" toml:"peers"`
	Worker   WorkerConfig   `yaml:"worker" toml:"worker"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Store is "sqlx" or "zombiezen".
	Store    string `yaml:"store" toml:"store"`
	PoolSize int    `yaml:"pool_size" toml:"pool_size"`
}

type AuthConfig struct {
	// SecretKeyPath holds the HS256 key shared with peers. Empty disables
	// authentication.
	SecretKeyPath string `yaml:"secret_key_path" toml:"secret_key_path"`
}

type QueueConfig struct {
	Lease            Duration `yaml:"lease" toml:"lease"`
	DispatchInterval Duration `yaml:"dispatch_interval" toml:"dispatch_interval"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SweepInterval    Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	MaxDequeueWait   Duration `yaml:"max_dequeue_wait" toml:"max_dequeue_wait"`
}

type PeerConfig struct {
	Name string `yaml:"name" toml:"name"`
	URL  string `yaml:"url" toml:"url"`
}

type WorkerConfig struct {
	Enabled           bool     `yaml:"enabled" toml:"enabled"`
	Concurrency       int      `yaml:"concurrency" toml:"concurrency"`
	ModulesDir        string   `yaml:"modules_dir" toml:"modules_dir"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	// Remotes restricts where the worker claims work. Empty means local.
	Remotes []string `yaml:"remotes" toml:"remotes"`
}

func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:7420",
		Name:     "local",
		LogLevel: "info",
		Database: DatabaseConfig{
			Path:  "tangram.db",
			Store: StoreSQLX,
		},
		Queue: QueueConfig{
			Lease:            Duration{60 * time.Second},
			DispatchInterval: Duration{10 * time.Second},
			HeartbeatTimeout: Duration{30 * time.Second},
			SweepInterval:    Duration{10 * time.Second},
			MaxDequeueWait:   Duration{60 * time.Second},
		},
		Worker: WorkerConfig{
			Concurrency:       1,
			ModulesDir:        "modules",
			HeartbeatInterval: Duration{10 * time.Second},
		},
	}
}

// LoadFile reads path on top of Default. The format follows the extension:
// .toml for TOML, .yaml or .yml for YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return cfg, nil
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Database.Store {
	case StoreSQLX, StoreZombiezen:
	default:
		errs = append(errs, fmt.Errorf("database.store must be %q or %q, got %q", StoreSQLX, StoreZombiezen, c.Database.Store))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	for name, d := range map[string]Duration{
		"queue.lease":             c.Queue.Lease,
		"queue.dispatch_interval": c.Queue.DispatchInterval,
		"queue.heartbeat_timeout": c.Queue.HeartbeatTimeout,
		"queue.sweep_interval":    c.Queue.SweepInterval,
		"queue.max_dequeue_wait":  c.Queue.MaxDequeueWait,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	seen := make(map[string]bool)
	for i, peer := range c.Peers {
		switch {
		case peer.Name == "":
			errs = append(errs, fmt.Errorf("peers[%d]: name is required", i))
		case peer.Name == c.Name:
			errs = append(errs, fmt.Errorf("peers[%d]: %q is this server's own name", i, peer.Name))
		case seen[peer.Name]:
			errs = append(errs, fmt.Errorf("peers[%d]: duplicate name %q", i, peer.Name))
		}
		seen[peer.Name] = true
		if u, err := url.Parse(peer.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: invalid url %q", i, peer.URL))
		}
	}

	if c.Worker.Enabled {
		if c.Worker.ModulesDir == "" {
			errs = append(errs, errors.New("worker.modules_dir is required when the worker is enabled"))
		}
		for _, remote := range c.Worker.Remotes {
			if !seen[remote] {
				errs = append(errs, fmt.Errorf("worker.remotes: unknown peer %q", remote))
			}
		}
	}
	return errors.Join(errs...)
}

// Warnings reports settings that are valid but likely to misbehave.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Worker.Enabled && c.Queue.HeartbeatTimeout.Duration < 3*c.Worker.HeartbeatInterval.Duration {
		warnings = append(warnings, fmt.Sprintf(
			"queue.heartbeat_timeout %s is less than three worker heartbeat intervals (%s); healthy processes may be abandoned",
			c.Queue.HeartbeatTimeout, c.Worker.HeartbeatInterval))
	}
	if c.Queue.Lease.Duration < 3*c.Worker.HeartbeatInterval.Duration {
		warnings = append(warnings, fmt.Sprintf(
			"queue.lease %s is less than three heartbeat intervals (%s); claimed processes may be reclaimed before they start",
			c.Queue.Lease, c.Worker.HeartbeatInterval))
	}
	if c.Auth.SecretKeyPath == "" && len(c.Peers) > 0 {
		warnings = append(warnings, "peers are configured without auth.secret_key_path; requests are unauthenticated")
	}
	return warnings
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
