package sealchat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// LoadConfig reads a session configuration from a YAML file and applies
// defaults. The store implementations cannot come from a file; the caller
// wires them in afterwards.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Profile == "" {
		config.Profile = "default"
	}
	if config.MediaCacheEntries == 0 {
		config.MediaCacheEntries = 64
	}
}
