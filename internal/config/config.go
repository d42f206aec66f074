package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Default config file path.
const DefaultConfigPath = "~/.config/tabnotes/config.yaml"

// EnvPrefix is the prefix for environment overrides, e.g. TABNOTES_LOG_LEVEL.
const EnvPrefix = "TABNOTES"

// Config holds all tabnotes configuration.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Sync        SyncConfig        `yaml:"sync"`
	GC          GCConfig          `yaml:"gc"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Association AssociationConfig `yaml:"association"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type StorageConfig struct {
	Path              string `yaml:"path" envconfig:"STORAGE_PATH"`
	SQLiteFile        string `yaml:"sqlite_file" envconfig:"SQLITE_FILE"`
	SQLiteJournalMode string `yaml:"sqlite_journal_mode" envconfig:"SQLITE_JOURNAL_MODE"`
}

type SyncConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"SYNC_POLL_INTERVAL"`
	CoalesceInterval time.Duration `yaml:"coalesce_interval" envconfig:"SYNC_COALESCE_INTERVAL"`
	BroadcastDir     string        `yaml:"broadcast_dir" envconfig:"SYNC_BROADCAST_DIR"`
	MessageTTL       time.Duration `yaml:"message_ttl" envconfig:"SYNC_MESSAGE_TTL"`
}

type GCConfig struct {
	BatchSize   int  `yaml:"batch_size" envconfig:"GC_BATCH_SIZE"`
	OnClose     bool `yaml:"on_close" envconfig:"GC_ON_CLOSE"`
	OnVisible   bool `yaml:"on_visible" envconfig:"GC_ON_VISIBLE"`
	OnReplace   bool `yaml:"on_replace" envconfig:"GC_ON_REPLACE"`
	LoadWorkers int  `yaml:"load_workers" envconfig:"GC_LOAD_WORKERS"`
}

type AttachmentsConfig struct {
	Compress         bool   `yaml:"compress" envconfig:"ATTACHMENTS_COMPRESS"`
	CompressionLevel string `yaml:"compression_level" envconfig:"ATTACHMENTS_COMPRESSION_LEVEL"`
	MaxPayloadBytes  int    `yaml:"max_payload_bytes" envconfig:"ATTACHMENTS_MAX_PAYLOAD_BYTES"`
}

type AssociationConfig struct {
	DenylistDomains []string `yaml:"denylist_domains" envconfig:"ASSOCIATION_DENYLIST"`
	UseDefaultDeny  bool     `yaml:"use_default_denylist" envconfig:"ASSOCIATION_USE_DEFAULT_DENYLIST"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	File        string `yaml:"file" envconfig:"LOG_FILE"`
	Development bool   `yaml:"development" envconfig:"LOG_DEV"`
}

// Load reads a YAML config file at path and merges it with defaults, then
// applies TABNOTES_* environment overrides.
// Returns an error if the file cannot be read or contains invalid YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// applyEnv overlays environment variables onto each section. Unset
// variables leave the file or default value alone.
func applyEnv(cfg *Config) error {
	sections := []interface{}{
		&cfg.Storage, &cfg.Sync, &cfg.GC, &cfg.Attachments, &cfg.Association, &cfg.Logging,
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix, s); err != nil {
			return fmt.Errorf("reading environment: %w", err)
		}
	}
	return nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.GC.BatchSize <= 0 {
		return fmt.Errorf("gc.batch_size must be positive, got %d", c.GC.BatchSize)
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive, got %s", c.Sync.PollInterval)
	}
	if c.Sync.CoalesceInterval < 0 {
		return fmt.Errorf("sync.coalesce_interval must not be negative, got %s", c.Sync.CoalesceInterval)
	}
	switch c.Attachments.CompressionLevel {
	case "fastest", "default", "better", "best":
	default:
		return fmt.Errorf("attachments.compression_level %q is not one of fastest|default|better|best", c.Attachments.CompressionLevel)
	}
	return nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// DatabasePath returns the absolute SQLite file path.
func (c *Config) DatabasePath() (string, error) {
	dir, err := ExpandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

// BroadcastPath returns the absolute broadcast directory. A relative
// setting is resolved against the storage directory.
func (c *Config) BroadcastPath() (string, error) {
	p, err := ExpandPath(c.Sync.BroadcastDir)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	dir, err := ExpandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p), nil
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := ExpandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	return Load(path)
}
