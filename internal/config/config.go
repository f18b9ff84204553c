package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Limits struct {
		TitleMax       int `yaml:"title_max"`
		DescriptionMax int `yaml:"description_max"`
		SolutionMax    int `yaml:"solution_max"`
		CategoryMax    int `yaml:"category_max"`
	} `yaml:"limits"`
	Reputation struct {
		Created   int64 `yaml:"created"`
		Submitted int64 `yaml:"submitted"`
		Won       int64 `yaml:"won"`
	} `yaml:"reputation"`
	Policies struct {
		AllowSelfSolutions bool `yaml:"allow_self_solutions"`
	} `yaml:"policies"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Limits.TitleMax <= 0 {
		return fmt.Errorf("config.limits.title_max must be positive")
	}
	if c.Limits.DescriptionMax <= 0 {
		return fmt.Errorf("config.limits.description_max must be positive")
	}
	if c.Limits.SolutionMax <= 0 {
		return fmt.Errorf("config.limits.solution_max must be positive")
	}
	if c.Limits.CategoryMax <= 0 {
		return fmt.Errorf("config.limits.category_max must be positive")
	}
	if c.Reputation.Created < 0 || c.Reputation.Submitted < 0 || c.Reputation.Won < 0 {
		return fmt.Errorf("config.reputation increments must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bountyline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
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
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `limits:
  title_max: 200
  description_max: 4000
  solution_max: 8000
  category_max: 64

reputation:
  created: 1
  submitted: 1
  won: 10

policies:
  allow_self_solutions: false
`
