package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models lab.yml.
type Config struct {
	Lab struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"lab"`
	QC struct {
		OutlierSigma      float64           `yaml:"outlier_sigma"`
		CheckpointSeconds int               `yaml:"checkpoint_seconds"`
		ActionOverrides   map[string]string `yaml:"action_overrides"`
	} `yaml:"qc"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one outbound notification target.
type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pvlab lab init", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Lab.ID == "" {
		return fmt.Errorf("config.lab.id is required")
	}
	if c.QC.OutlierSigma < 0 {
		return fmt.Errorf("config.qc.outlier_sigma must be >= 0")
	}
	if c.QC.CheckpointSeconds < 0 {
		return fmt.Errorf("config.qc.checkpoint_seconds must be >= 0")
	}
	for ruleID, action := range c.QC.ActionOverrides {
		if ruleID == "" {
			return fmt.Errorf("config.qc.action_overrides contains empty rule id")
		}
		switch action {
		case "alert", "flag", "abort":
		default:
			return fmt.Errorf("rule %s override %q is not alert, flag or abort", ruleID, action)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
		if _, err := url.ParseRequestURI(wh.URL); err != nil {
			return fmt.Errorf("webhook %d url invalid: %w", i, err)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lab.yml")
}

// Default returns the default Config struct for a lab.
func Default(labID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, labID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(labID string) string {
	return fmt.Sprintf(defaultTemplate, labID)
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

const defaultTemplate = `lab:
  id: %s
  name: ""

qc:
  outlier_sigma: 3.0
  checkpoint_seconds: 300
  action_overrides: {}

webhooks: []
`
