package main

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/loghive/agent/pkg/collect/profile"
)

// Config is the agent's yaml configuration: a list of task profiles plus
// process-level settings.
type Config struct {
	MetricsListenAddr string          `yaml:"metrics_listen_addr"`
	RegistryDir       string          `yaml:"registry_dir"`
	Timezone          string          `yaml:"timezone"`
	RegistrySync      time.Duration   `yaml:"registry_sync_period"`
	Tasks             []*profile.Task `yaml:"tasks"`
}

// UnmarshalYAML applies defaults before decoding.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	c.MetricsListenAddr = "127.0.0.1:8686"
	c.RegistryDir = "data"
	type plain Config
	return unmarshal((*plain)(c))
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(cfg.Tasks) == 0 {
		return nil, fmt.Errorf("config %s declares no tasks", path)
	}
	for _, t := range cfg.Tasks {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %q: %w", t.TaskID, err)
		}
	}
	return &cfg, nil
}

// Location resolves the configured timezone, defaulting to the engine's
// when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
