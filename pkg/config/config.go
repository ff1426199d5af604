// Package config loads and validates the application configuration from a
// YAML file, with sane defaults for everything but secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/coinscribe/coinscribe/pkg/telemetry"
)

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	// ListenAddr is the host:port the server binds.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// ReadTimeout bounds request read time.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds response write time. Workbook downloads need
	// headroom over the engine's own deadlines.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EngineConfig configures dataset execution.
type EngineConfig struct {
	// MaxParallel bounds concurrent in-flight fetches.
	MaxParallel int `yaml:"max_parallel" validate:"min=1,max=64"`

	// DatasetTimeout is the per-dataset fetch deadline.
	DatasetTimeout time.Duration `yaml:"dataset_timeout"`

	// RetryBackoff is the delay before the single rate-limit retry.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// CacheTTL is how long fetched datasets stay servable from cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required"`
}

// VaultConfig configures credential encryption.
type VaultConfig struct {
	// MasterKeyEnv names the environment variable holding the master key.
	// The key itself never appears in configuration files.
	MasterKeyEnv string `yaml:"master_key_env"`
}

// PolicyConfig configures the redistribution gate.
type PolicyConfig struct {
	// ClassificationPath is the YAML source classification file.
	ClassificationPath string `yaml:"classification_path" validate:"required"`

	// WatchReload reloads classifications when the file changes.
	WatchReload bool `yaml:"watch_reload"`
}

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Engine    EngineConfig     `yaml:"engine"`
	Store     StoreConfig      `yaml:"store"`
	Vault     VaultConfig      `yaml:"vault"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Engine: EngineConfig{
			MaxParallel:    4,
			DatasetTimeout: 20 * time.Second,
			RetryBackoff:   2 * time.Second,
			CacheTTL:       5 * time.Minute,
		},
		Store: StoreConfig{
			Path: "coinscribe.db",
		},
		Vault: VaultConfig{
			MasterKeyEnv: "COINSCRIBE_MASTER_KEY",
		},
		Policy: PolicyConfig{
			ClassificationPath: "classifications.yaml",
			WatchReload:        true,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file over the defaults and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	return nil
}

// MasterKey resolves the vault master key from the configured environment
// variable. An empty result means the vault will refuse key operations.
func (c *Config) MasterKey() []byte {
	env := c.Vault.MasterKeyEnv
	if env == "" {
		env = "COINSCRIBE_MASTER_KEY"
	}
	if v := os.Getenv(env); v != "" {
		return []byte(v)
	}
	return nil
}
