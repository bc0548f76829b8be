// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/statflow/statflow/pkg/storage"
	"github.com/statflow/statflow/pkg/telemetry"
)

// Config holds all Statflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Storage   StorageConfig    `yaml:"storage"`
	Registry  RegistryConfig   `yaml:"registry"`
	Lease     LeaseConfig      `yaml:"lease"`
	Server    ServerConfig     `yaml:"server"`
	Inbox     InboxConfig      `yaml:"inbox"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StorageConfig selects the backend holding data set version folders.
type StorageConfig struct {
	// Scheme is "file" or "s3".
	Scheme string `yaml:"scheme" envconfig:"STORAGE_SCHEME"`
	// Root is the local directory root when Scheme is "file", or the key
	// prefix within the bucket when Scheme is "s3".
	Root string `yaml:"root" envconfig:"STORAGE_ROOT"`

	S3 storage.S3Config `yaml:"s3"`
}

// RegistryConfig locates the SQLite system of record.
type RegistryConfig struct {
	Database string `yaml:"database" envconfig:"REGISTRY_DATABASE"`
}

// LeaseConfig controls the optional Redis-backed import lease. When
// disabled the registry's conditional stage updates are the only guard,
// which is sufficient for a single-node deployment.
type LeaseConfig struct {
	Enabled bool          `yaml:"enabled" envconfig:"LEASE_ENABLED"`
	Addr    string        `yaml:"addr" envconfig:"LEASE_ADDR"`
	TTL     time.Duration `yaml:"ttl" envconfig:"LEASE_TTL"`
}

// ServerConfig for the HTTP API.
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"SERVER_HOST"`
	Port            int           `yaml:"port" envconfig:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InboxConfig for the filesystem watcher that picks up dropped file pairs.
type InboxConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"INBOX_ENABLED"`
	Dir     string `yaml:"dir" envconfig:"INBOX_DIR"`
	// SettleDelay is how long a file must be quiet before it is considered
	// fully written.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"` // text | json
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	statflowDir := filepath.Join(homeDir, ".statflow")

	return &Config{
		Version: 1,
		Storage: StorageConfig{
			Scheme: "file",
			Root:   filepath.Join(statflowDir, "data"),
		},
		Registry: RegistryConfig{
			Database: filepath.Join(statflowDir, "registry.db"),
		},
		Lease: LeaseConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     2 * time.Minute,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Inbox: InboxConfig{
			Enabled:     false,
			Dir:         filepath.Join(statflowDir, "inbox"),
			SettleDelay: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: telemetry.DefaultConfig("statflow"),
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{config: Default()}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.configPaths() {
		if err := m.loadFile(path); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			continue
		}
		m.paths = append(m.paths, path)
	}

	// Environment variables override files (STATFLOW_ prefix).
	if err := envconfig.Process("statflow", m.config); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}

	return m.config.validate()
}

// LoadFile loads one explicit config file over the defaults, then applies
// environment overrides. Used when --config is passed.
func (m *Manager) LoadFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	if err := m.loadFile(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	m.paths = []string{path}

	if err := envconfig.Process("statflow", m.config); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}
	return m.config.validate()
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Sources returns the config file paths that were loaded.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// configPaths returns config file paths in priority order.
func (m *Manager) configPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/statflow/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".statflow", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".statflow.yaml"))
	}
	return paths
}

// loadFile loads a single config file over the current config. Absent keys
// keep their current values because yaml unmarshals in place.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m.config)
}

func (c *Config) validate() error {
	switch c.Storage.Scheme {
	case "file", "s3":
	default:
		return fmt.Errorf("unknown storage scheme %q (want file or s3)", c.Storage.Scheme)
	}
	if c.Storage.Scheme == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage scheme s3 requires a bucket")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root must not be empty")
	}
	if c.Registry.Database == "" {
		return fmt.Errorf("registry database path must not be empty")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Logging.Format)
	}
	return nil
}
