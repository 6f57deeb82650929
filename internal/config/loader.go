package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*BuildConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.buildloom/config.json
// Project: .buildloom/config.json (relative to cwd)
func LoadDefault() (*BuildConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".buildloom", "config.json")
	projectPath := filepath.Join(".buildloom", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped; malformed JSON returns an
// error. Set fields override, unset fields keep the base value.
func mergeConfigFile(base *BuildConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded BuildConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.StoreDir != "" {
		base.StoreDir = loaded.StoreDir
	}
	if loaded.DatabasePath != "" {
		base.DatabasePath = loaded.DatabasePath
	}
	if loaded.Substituters != nil {
		base.Substituters = loaded.Substituters
	}
	if loaded.MaxJobs != 0 {
		base.MaxJobs = loaded.MaxJobs
	}
	if loaded.BuildTimeoutSec != 0 {
		base.BuildTimeoutSec = loaded.BuildTimeoutSec
	}
	if loaded.KeepGoing {
		base.KeepGoing = true
	}

	return nil
}
