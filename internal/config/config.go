package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models taskgrid.yml.
type Config struct {
	Concurrency struct {
		// MaxRetries bounds the re-read/re-apply loop after a stamp conflict.
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"concurrency"`
	SoftDelete struct {
		Cascade bool `yaml:"cascade"`
	} `yaml:"soft_delete"`
	Aggregation struct {
		AutoRollup bool `yaml:"auto_rollup"`
	} `yaml:"aggregation"`
	Partitions struct {
		ScanWorkers int `yaml:"scan_workers"`
	} `yaml:"partitions"`
	Agents struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"agents"`
	Retention struct {
		PurgeAfter string `yaml:"purge_after"`
		Schedule   string `yaml:"schedule"`
	} `yaml:"retention"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL string `yaml:"url"`
	// Events lists event types; "task.*" matches every task event.
	Events      []string `yaml:"events"`
	EntityKinds []string `yaml:"entity_kinds"`
	Partitions  []int    `yaml:"partitions"`
	// Secret keys the X-Taskgrid-Signature HMAC.
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries; unset means on.
func (w Webhook) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Concurrency.MaxRetries < 0 {
		return fmt.Errorf("config.concurrency.max_retries must be >= 0")
	}
	if c.Partitions.ScanWorkers < 1 {
		return fmt.Errorf("config.partitions.scan_workers must be >= 1")
	}
	if c.Agents.CacheSize < 1 {
		return fmt.Errorf("config.agents.cache_size must be >= 1")
	}
	if c.Retention.PurgeAfter != "" {
		d, err := time.ParseDuration(c.Retention.PurgeAfter)
		if err != nil {
			return fmt.Errorf("config.retention.purge_after: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.retention.purge_after must be positive")
		}
	}
	if c.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return fmt.Errorf("config.retention.schedule: %w", err)
		}
		if c.Retention.PurgeAfter == "" {
			return fmt.Errorf("config.retention.schedule requires purge_after")
		}
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
		for _, evt := range h.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
		for _, p := range h.Partitions {
			if p < 0 {
				return fmt.Errorf("config.webhooks[%d].partitions must be >= 0", i)
			}
		}
	}
	return nil
}

// PurgeAfter returns the retention window, zero when purging is off.
func (c *Config) PurgeAfter() time.Duration {
	d, _ := time.ParseDuration(c.Retention.PurgeAfter)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskgrid.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `concurrency:
  max_retries: 3

soft_delete:
  cascade: true

aggregation:
  auto_rollup: true

partitions:
  scan_workers: 4

agents:
  cache_size: 256

retention:
  purge_after: ""
  schedule: ""

webhooks: []
`
