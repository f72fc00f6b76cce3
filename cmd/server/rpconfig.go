package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rpFileConfig is the shape of the optional relying-party YAML file.
// Values present in the file override flags and environment.
type rpFileConfig struct {
	RPID      string   `yaml:"rpId"`
	RPName    string   `yaml:"rpName"`
	RPOrigins []string `yaml:"rpOrigins"`
}

func applyRPConfigFile(config *Config) error {
	data, err := os.ReadFile(config.RPConfig)
	if err != nil {
		return fmt.Errorf("failed to read rp config %s: %w", config.RPConfig, err)
	}

	var file rpFileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse rp config %s: %w", config.RPConfig, err)
	}

	if file.RPID != "" {
		config.RPID = file.RPID
	}
	if file.RPName != "" {
		config.RPName = file.RPName
	}
	if len(file.RPOrigins) > 0 {
		config.RPOrigins = file.RPOrigins
	}

	return nil
}
