// Package config loads the pacsload YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the tool configuration. The pacs section identifies the
// clinical archive; scp describes our own receiver; output is where
// project directories and the audit database live.
type Config struct {
	PACS struct {
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
		AETitle string `yaml:"ae_title"`
	} `yaml:"pacs"`
	SCP struct {
		AETitle string `yaml:"ae_title"`
		Port    int    `yaml:"port"`
	} `yaml:"scp"`
	Output struct {
		BaseDir string `yaml:"base_dir"`
	} `yaml:"output"`
}

// DefaultPath returns ~/.config/pacsload/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "pacsload", "config.yaml")
	}
	return filepath.Join(home, ".config", "pacsload", "config.yaml")
}

// Load reads and validates the configuration file at path. Environment
// variables in values are expanded before parsing, so a file can say
// `host: ${PACS_HOST}`.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SCP.AETitle == "" {
		c.SCP.AETitle = "AHJO-loader"
	}
	if c.SCP.Port == 0 {
		c.SCP.Port = 9012
	}
	if c.Output.BaseDir == "" {
		c.Output.BaseDir = "/data/research"
	}
}

func (c *Config) validate() error {
	if c.PACS.Host == "" {
		return fmt.Errorf("missing required field pacs.host")
	}
	if c.PACS.Port == 0 {
		return fmt.Errorf("missing required field pacs.port")
	}
	if c.PACS.AETitle == "" {
		return fmt.Errorf("missing required field pacs.ae_title")
	}
	return nil
}

// PACSAddr returns the archive's host:port dial address.
func (c *Config) PACSAddr() string {
	return fmt.Sprintf("%s:%d", c.PACS.Host, c.PACS.Port)
}

// ProjectDir returns the directory for a named project.
func (c *Config) ProjectDir(project string) string {
	return filepath.Join(c.Output.BaseDir, project)
}

// AuditPath returns the shared audit database path.
func (c *Config) AuditPath() string {
	return filepath.Join(c.Output.BaseDir, "audit.db")
}

// Write marshals the config to path, creating parent directories.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
