// Package config loads the client configuration from ~/.arandu/config.yaml
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the client configuration.
type Config struct {
	// AgentBinary is the agent executable. Defaults to "copilot".
	AgentBinary string `yaml:"agent_binary"`
	// AgentArgs are the protocol flags passed to the agent.
	AgentArgs []string `yaml:"agent_args"`
	// AuthToken authenticates the agent. Usually supplied via GH_TOKEN.
	AuthToken string `yaml:"auth_token"`
	// DataDir is where session records and plans live. Defaults to ~/.arandu.
	DataDir string `yaml:"data_dir"`
	// Theme selects the markdown rendering style ("dark", "light", "auto").
	Theme string `yaml:"theme"`
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file yields the defaults. Environment variables
// COPILOT_PATH, GH_TOKEN, and ARANDU_DATA_DIR override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".arandu", "config.yaml")
	}

	config := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("COPILOT_PATH"); v != "" {
		config.AgentBinary = v
	}
	if v := os.Getenv("GH_TOKEN"); v != "" {
		config.AuthToken = v
	}
	if v := os.Getenv("ARANDU_DATA_DIR"); v != "" {
		config.DataDir = v
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.AgentBinary == "" {
		c.AgentBinary = "copilot"
	}
	if len(c.AgentArgs) == 0 {
		c.AgentArgs = []string{"--acp", "--stdio"}
	}
	if c.Theme == "" {
		c.Theme = "auto"
	}
}
