// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/pkg/models"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Routing   RoutingConfig           `yaml:"routing"`
	Memory    MemoryConfig            `yaml:"memory"`
	Queue     QueueConfig             `yaml:"queue"`
	Store     StoreConfig             `yaml:"store"`
	Inference InferenceConfig         `yaml:"inference"`
	Providers ProvidersConfig         `yaml:"providers"`
	Telegram  TelegramConfig          `yaml:"telegram"`
	Log       observability.LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// RequestTimeout bounds webhook request handling. Zero means no
	// timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Version is reported by the health endpoint.
	Version string `yaml:"version"`
}

// RoutingConfig mirrors the router policy knobs.
type RoutingConfig struct {
	// Mode is "auto", "local" or "cloud".
	Mode string `yaml:"mode"`

	// Threshold is the auto-mode complexity cutoff, 0-10.
	Threshold int `yaml:"threshold"`

	// PrivacyMode pins all traffic to the local executor.
	PrivacyMode bool `yaml:"privacy_mode"`
}

// MemoryConfig configures the memory engine.
type MemoryConfig struct {
	// ChunkSize is the target chunk length in words.
	ChunkSize int `yaml:"chunk_size"`

	// TopK is the retrieval result count.
	TopK int `yaml:"top_k"`

	// CacheSize bounds the in-memory chunk cache.
	CacheSize int `yaml:"cache_size"`
}

// QueueConfig configures scheduler admission.
type QueueConfig struct {
	// MaxDepth is the queue capacity.
	MaxDepth int `yaml:"max_depth"`

	// BackgroundVictimPolicy selects the eviction victim on overflow.
	// Only "oldest" is supported.
	BackgroundVictimPolicy string `yaml:"background_victim_policy"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. ":memory:" keeps everything
	// in-process.
	Path string `yaml:"path"`
}

// InferenceConfig configures the local inference runtime client.
type InferenceConfig struct {
	// BaseURL of the local runtime, e.g. "http://localhost:11434".
	BaseURL string `yaml:"base_url"`

	// Model is the local model identifier.
	Model string `yaml:"model"`

	// Timeout bounds a single local generation.
	Timeout time.Duration `yaml:"timeout"`
}

// ProvidersConfig configures cloud providers.
type ProvidersConfig struct {
	// Default is the provider used for cloud-routed tasks.
	Default string `yaml:"default"`

	// Model is the cloud model requested by default.
	Model string `yaml:"model"`

	// CredentialsPath points at the credential bundle file.
	CredentialsPath string `yaml:"credentials_path"`

	// Passphrase unlocks an encrypted bundle. Usually supplied via the
	// RELAY_PASSPHRASE environment variable instead.
	Passphrase string `yaml:"-"`
}

// TelegramConfig configures the bot channel.
type TelegramConfig struct {
	// Token is the bot token. Usually supplied via TELEGRAM_BOT_TOKEN.
	Token string `yaml:"token"`

	// Enabled turns the adapter on.
	Enabled bool `yaml:"enabled"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Version == "" {
		c.Server.Version = "dev"
	}

	switch models.RoutingMode(c.Routing.Mode) {
	case models.RoutingAuto, models.RoutingLocal, models.RoutingCloud:
	case "":
		c.Routing.Mode = string(models.RoutingAuto)
	default:
		return fmt.Errorf("routing.mode %q is not one of auto, local, cloud", c.Routing.Mode)
	}
	if c.Routing.Threshold == 0 {
		c.Routing.Threshold = 6
	}
	if c.Routing.Threshold < 0 || c.Routing.Threshold > 10 {
		return fmt.Errorf("routing.threshold %d out of range [0,10]", c.Routing.Threshold)
	}

	if c.Memory.ChunkSize == 0 {
		c.Memory.ChunkSize = 300
	}
	if c.Memory.ChunkSize < 0 {
		return fmt.Errorf("memory.chunk_size must be positive")
	}
	if c.Memory.TopK == 0 {
		c.Memory.TopK = 8
	}
	if c.Memory.CacheSize == 0 {
		c.Memory.CacheSize = 256
	}

	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = 50
	}
	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("queue.max_depth must be positive")
	}
	if c.Queue.BackgroundVictimPolicy == "" {
		c.Queue.BackgroundVictimPolicy = "oldest"
	}
	if c.Queue.BackgroundVictimPolicy != "oldest" {
		return fmt.Errorf("queue.background_victim_policy %q is not supported", c.Queue.BackgroundVictimPolicy)
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "memory" {
		return fmt.Errorf("store.driver %q is not one of sqlite, memory", c.Store.Driver)
	}
	if c.Store.Path == "" {
		c.Store.Path = "relay.db"
	}

	if c.Inference.BaseURL == "" {
		c.Inference.BaseURL = "http://localhost:11434"
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 2 * time.Minute
	}

	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}

	return nil
}

// RouterConfig converts the routing section into the record the scheduler
// swaps atomically.
func (c *Config) RouterConfig() models.RouterConfig {
	return models.RouterConfig{
		Mode:        models.RoutingMode(c.Routing.Mode),
		Threshold:   c.Routing.Threshold,
		PrivacyMode: c.Routing.PrivacyMode,
	}
}

// Parse decodes a YAML document into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a config file, applies environment overrides, and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg *Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if cfg, err = Parse(data); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
			cfg = &Config{}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		cfg = &Config{}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv layers environment variables over file values. Secrets are only
// accepted from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RELAY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("RELAY_PASSPHRASE"); v != "" {
		cfg.Providers.Passphrase = v
	}
	if v := os.Getenv("RELAY_INFERENCE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
}
