// Package config loads the YAML configuration file and applies
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Notify struct {
		// ExcludedFields never trigger change notifications even when
		// they change; deployment configuration, not a fixed rule.
		ExcludedFields []string `yaml:"excluded_fields"`
	} `yaml:"notify"`
	Backup struct {
		MaxItems int `yaml:"max_items"`
	} `yaml:"backup"`
	Retention struct {
		Enabled    bool   `yaml:"enabled"`
		Cron       string `yaml:"cron"`
		CutoffDays int    `yaml:"cutoff_days"`
	} `yaml:"retention"`
	API struct {
		Keys struct {
			Read  []string `yaml:"read"`
			Write []string `yaml:"write"`
		} `yaml:"keys"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"api"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Server.Address = "127.0.0.1"
	c.Server.Port = 8420
	c.Storage.DBPath = "./data"
	c.Logging.Level = "info"
	c.Notify.ExcludedFields = []string{"network_id"}
	c.Backup.MaxItems = 256
	c.Retention.Cron = "0 2 * * *"
	c.Retention.CutoffDays = 180
	return &c
}

// Load reads the YAML file at path (skipped when empty) and applies env
// overrides: MSGSTORE_ADDR, MSGSTORE_PORT, MSGSTORE_DB_PATH.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("MSGSTORE_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("MSGSTORE_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MSGSTORE_PORT: %w", err)
		}
		c.Server.Port = p
	}
	if v := os.Getenv("MSGSTORE_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if c.Notify.ExcludedFields == nil {
		c.Notify.ExcludedFields = []string{"network_id"}
	}
	return c, nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
