package main

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/esquisse/hub"
)

// Config holds the daemon configuration. Component behavior lives under
// hub; the top-level fields wire storage, listeners, and optional
// collaborators.
type Config struct {
	Addr          string `yaml:"addr"`
	DBPath        string `yaml:"db_path"`
	SpillDir      string `yaml:"spill_dir"`
	ProfilesPath  string `yaml:"profiles_path"`  // YAML performance profile bundle
	TemplatesPath string `yaml:"templates_path"` // YAML skeleton template pack
	ObserveURL    string `yaml:"observe_url"`    // canary page for the browser observer
	AlertWebhook  string `yaml:"alert_webhook"`  // critical alert notifications

	Hub hub.Config `yaml:"hub"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8086"
	}
	if c.DBPath == "" {
		c.DBPath = "db/esquisse.db"
	}
	if c.SpillDir == "" {
		c.SpillDir = "buffer/spill"
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
