package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.sandlink, or $SANDLINK_HOME when set.
func GetUserConfigDir() (string, error) {
	if dir := os.Getenv("SANDLINK_HOME"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".sandlink"), nil
}

func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// DBPath is the session database, honoring database.path when set.
func (c *Config) DBPath(dir string) string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(dir, "sandlink.db")
}

func EnsureConfigDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
