package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultConfigDir is the default config directory name.
	DefaultConfigDir = ".sandboxd"
	// DefaultConfigFile is the default config file name.
	DefaultConfigFile = "config.json"
)

// Environment variables that override the config file.
const (
	EnvHost           = "SANDBOXD_HOST"
	EnvPort           = "SANDBOXD_PORT"
	EnvAllowedOrigins = "SANDBOXD_ALLOWED_ORIGINS"
	EnvImage          = "SANDBOXD_IMAGE"
	EnvLogLevel       = "SANDBOXD_LOG_LEVEL"
)

// GetConfigDir returns the default config directory path (~/.sandboxd).
func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DefaultConfigDir)
	}
	return filepath.Join(home, DefaultConfigDir)
}

// GetConfigPath returns the default config file path (~/.sandboxd/config.json).
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), DefaultConfigFile)
}

func resolvePath(path string) string {
	if path == "" {
		return GetConfigPath()
	}
	return expandPath(path)
}

// LoadConfig reads the config at path (the default path when empty) over
// the defaults, applies environment overrides and validates the result. A
// missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	path = resolvePath(path)
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Validate()
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok && v != "" {
		cfg.Gateway.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Gateway.Port = port
	}
	if v, ok := lookup(EnvAllowedOrigins); ok {
		origins := []string{}
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Gateway.AllowedOrigins = origins
	}
	if v, ok := lookup(EnvImage); ok && v != "" {
		cfg.Sandbox.DefaultImage = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// SaveConfig writes cfg to path (the default path when empty), readable by
// the owner only. The file is replaced atomically.
func SaveConfig(cfg *Config, path string) error {
	path = resolvePath(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a config file exists at path (the default path
// when empty).
func Exists(path string) bool {
	_, err := os.Stat(resolvePath(path))
	return err == nil
}

// InitConfig writes the default config to path unless a file is already
// there.
func InitConfig(path string) error {
	if Exists(path) {
		return nil
	}
	return SaveConfig(DefaultConfig(), path)
}
