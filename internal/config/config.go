package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/convodesk/convodesk/internal/phone"
)

// Config represents the global ~/.convodesk/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	BackendURL     string `toml:"backend_url"`
	PushURL        string `toml:"push_url"`
	CountryCode    string `toml:"country_code"`
	PageSize       int    `toml:"page_size"`
}

// Load reads config from the given path. Returns zero config and error
// if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as
// needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.CountryCode == "" {
		c.CountryCode = phone.DefaultCountryCode
	}
	if c.PageSize <= 0 {
		c.PageSize = 25
	}
}
