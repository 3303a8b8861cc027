package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns ~/.agentd, used when data_dir is unset in config.
func DefaultDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".agentd"), nil
}

// DefaultConfigPath returns ~/.agentd/agentd.toml, the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agentd.toml"), nil
}

// EnsureDataDir creates dataDir and its journal/playbooks subdirectories.
func EnsureDataDir(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "journal"), 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "playbooks"), 0755); err != nil {
		return err
	}
	return nil
}
