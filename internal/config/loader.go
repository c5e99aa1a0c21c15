package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Marshal renders cfg as YAML under the `lowpan:` root key, the same shape
// Load reads.
func Marshal(cfg *GlobalConfig) ([]byte, error) {
	out, err := yaml.Marshal(map[string]*GlobalConfig{"lowpan": cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

// WriteFile renders cfg to path.
func WriteFile(path string, cfg *GlobalConfig) error {
	out, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
