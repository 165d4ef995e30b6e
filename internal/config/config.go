package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config models sqs.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Queue struct {
		StaleTasksDays int           `yaml:"stale_tasks_days"`
		MaxQueueTime   time.Duration `yaml:"max_queue_time"`
		MaxRetries     int           `yaml:"max_retries"`
		PollInterval   time.Duration `yaml:"poll_interval"`
	} `yaml:"queue"`
	Query struct {
		System         string        `yaml:"system"`
		TimeZone       string        `yaml:"time_zone"`
		IncludeMetrics bool          `yaml:"include_metrics"`
		DedupTTL       time.Duration `yaml:"dedup_ttl"`
	} `yaml:"query"`
	Layers struct {
		MaxGeoJSONMB   int           `yaml:"max_geojson_mb"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		FetchRPS       float64       `yaml:"fetch_rps"`
		FetchBurst     int           `yaml:"fetch_burst"`
		User           string        `yaml:"user"`
		Password       string        `yaml:"password"`
	} `yaml:"layers"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sqs init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Queue.StaleTasksDays < 1 {
		return fmt.Errorf("config.queue.stale_tasks_days must be at least 1")
	}
	if c.Queue.MaxQueueTime < 0 {
		return fmt.Errorf("config.queue.max_queue_time must not be negative")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("config.queue.max_retries must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("config.queue.poll_interval must be positive")
	}
	if c.Query.System == "" {
		return fmt.Errorf("config.query.system is required")
	}
	if _, err := time.LoadLocation(c.Query.TimeZone); err != nil {
		return fmt.Errorf("config.query.time_zone: %w", err)
	}
	if c.Query.DedupTTL <= 0 {
		return fmt.Errorf("config.query.dedup_ttl must be positive")
	}
	if c.Layers.MaxGeoJSONMB < 1 {
		return fmt.Errorf("config.layers.max_geojson_mb must be at least 1")
	}
	if c.Layers.RequestTimeout <= 0 {
		return fmt.Errorf("config.layers.request_timeout must be positive")
	}
	if c.Layers.FetchRPS <= 0 || c.Layers.FetchBurst < 1 {
		return fmt.Errorf("config.layers.fetch_rps and fetch_burst must be positive")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Location returns the zone used to read naive client timestamps.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Query.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MaxGeoJSONBytes is the largest layer payload that will be loaded.
func (c *Config) MaxGeoJSONBytes() int64 {
	return int64(c.Layers.MaxGeoJSONMB) << 20
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sqs.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(system string) string {
	return fmt.Sprintf(defaultTemplate, system)
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("DAS"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their defaults.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8002
  base_path: /api/v1

queue:
  stale_tasks_days: 2
  max_queue_time: 0s
  max_retries: 3
  poll_interval: 5s

query:
  system: %s
  time_zone: Australia/Perth
  include_metrics: false
  dedup_ttl: 10m

layers:
  max_geojson_mb: 200
  request_timeout: 60s
  fetch_rps: 2
  fetch_burst: 1

rbac:
  roles:
    admin:
      description: "Full access"
      permissions: ["*"]
    requester:
      description: "Submits queries and reads results"
      permissions: [query.run, task.enqueue, task.read, task.cancel, layer.read, log.read]
    viewer:
      description: "Read only"
      permissions: [task.read, layer.read, log.read]
`
