package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/Zereker/vecstore/pkg/log"
	"github.com/Zereker/vecstore/pkg/memory"
)

// Config holds all configuration values.
type Config struct {
	Log   log.Config    `toml:"log"`
	Store memory.Config `toml:"store"`
}

// Validate checks all configuration fields.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	return nil
}

// Load reads and parses the configuration file.
func Load(filename string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
