// Package config loads Winery's YAML configuration, following the same
// load-a-file-into-a-struct style the CLI uses for resource manifests.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root Winery configuration, keyed exactly as specified:
// database, shards, shards_pool, throttler, packer.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Shards     ShardsConfig     `yaml:"shards"`
	ShardsPool ShardsPoolConfig `yaml:"shards_pool"`
	Throttler  *ThrottlerConfig `yaml:"throttler,omitempty"`
	Packer     PackerConfig     `yaml:"packer"`

	// AllowDelete gates the public delete() operation (specification §7:
	// "permission-denied | delete when !allow_delete | Configuration-level").
	// Not itemized among spec.md §6's keys, which only documents Winery's
	// own internal sections; this is the configuration-level switch that
	// error taxonomy entry requires, surfaced at the object-storage-contract
	// level the multiplexer and HTTP RPC server configure every backend
	// through.
	AllowDelete bool `yaml:"allow_delete,omitempty"`
}

// DatabaseConfig configures the shared catalog connection.
type DatabaseConfig struct {
	DB              string `yaml:"db"`
	ApplicationName string `yaml:"application_name"`
}

// ShardsConfig configures per-shard sizing and idle behavior.
type ShardsConfig struct {
	MaxSize int64
	// RWIdleTimeout is how long a write shard may go without a write
	// before its idle timer flushes it back to STANDBY.
	RWIdleTimeout time.Duration
}

// shardsConfigYAML mirrors ShardsConfig's on-disk shape: rw_idle_timeout is
// documented (specification §6) as a plain integer number of seconds, not a
// Go duration string, and time.Duration has no yaml.v3 TextUnmarshaler, so
// it is decoded into an int64 here and converted explicitly.
type shardsConfigYAML struct {
	MaxSize       int64 `yaml:"max_size"`
	RWIdleTimeout int64 `yaml:"rw_idle_timeout"`
}

func (c *ShardsConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw shardsConfigYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.MaxSize = raw.MaxSize
	c.RWIdleTimeout = time.Duration(raw.RWIdleTimeout) * time.Second
	return nil
}

// PoolType selects the Image Pool backend.
type PoolType string

const (
	PoolTypeRBD       PoolType = "rbd"
	PoolTypeDirectory PoolType = "directory"
)

// ShardsPoolConfig configures the Image Pool.
type ShardsPoolConfig struct {
	Type PoolType `yaml:"type"`

	// RBD-specific.
	PoolName                 string   `yaml:"pool_name,omitempty"`
	DataPoolName              string   `yaml:"data_pool_name,omitempty"`
	ImageFeaturesUnsupported []string `yaml:"image_features_unsupported,omitempty"`
	MapOptions                string   `yaml:"map_options,omitempty"`
	UseSudo                   bool     `yaml:"use_sudo,omitempty"`

	// Directory-specific.
	BaseDirectory string `yaml:"base_directory,omitempty"`
}

// ThrottlerConfig configures the optional cross-process bandwidth limiter.
type ThrottlerConfig struct {
	DB          string `yaml:"db"`
	MaxReadBps  int64  `yaml:"max_read_bps"`
	MaxWriteBps int64  `yaml:"max_write_bps"`
}

// PackerConfig configures packer behavior triggered from the writer and
// from the standalone packer daemon.
type PackerConfig struct {
	CreateImages    bool `yaml:"create_images"`
	PackImmediately bool `yaml:"pack_immediately"`
	CleanImmediately bool `yaml:"clean_immediately"`
}

// DefaultRWIdleTimeout matches the specification's default.
const DefaultRWIdleTimeout = 300 * time.Second

// Load reads and parses a YAML configuration file, applying defaults for
// fields the specification calls out as optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Shards.RWIdleTimeout == 0 {
		cfg.Shards.RWIdleTimeout = DefaultRWIdleTimeout
	}
	if cfg.Database.ApplicationName == "" {
		cfg.Database.ApplicationName = "Winery"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.DB == "" {
		return fmt.Errorf("database.db is required")
	}
	if c.Shards.MaxSize <= 0 {
		return fmt.Errorf("shards.max_size must be positive")
	}
	switch c.ShardsPool.Type {
	case PoolTypeRBD:
		if c.ShardsPool.PoolName == "" {
			return fmt.Errorf("shards_pool.pool_name is required for type=rbd")
		}
	case PoolTypeDirectory:
		if c.ShardsPool.BaseDirectory == "" {
			return fmt.Errorf("shards_pool.base_directory is required for type=directory")
		}
	default:
		return fmt.Errorf("shards_pool.type must be %q or %q, got %q", PoolTypeRBD, PoolTypeDirectory, c.ShardsPool.Type)
	}
	return nil
}
