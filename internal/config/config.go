// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for starpal.
//
// Configuration lives in TOML, with sensible defaults, environment
// variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.starpal/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete starpal configuration.
type Config struct {
	// Username identifies the user to the chat backend.
	Username string `toml:"username"`

	// Server configures the chat backend connection.
	Server ServerConfig `toml:"server"`

	// Storage configures where conversations are persisted.
	Storage StorageConfig `toml:"storage"`

	// UI configures the terminal interface.
	UI UIConfig `toml:"ui"`
}

// ServerConfig contains chat backend settings.
type ServerConfig struct {
	// BaseURL is the backend base URL, e.g. http://localhost:5000.
	BaseURL string `toml:"base_url"`
	// RequestsPerSecond is the client-side request rate limit.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	// Burst is how many requests may go out before the limiter engages.
	Burst int `toml:"burst"`
	// SystemPrompt is sent with every chat request when set.
	SystemPrompt string `toml:"system_prompt"`
}

// StorageConfig contains conversation persistence settings.
type StorageConfig struct {
	// Backend selects the store implementation: "file" or "sqlite".
	Backend string `toml:"backend"`
	// Dir is the conversation directory for the file backend
	// (default ~/.starpal/conversations).
	Dir string `toml:"dir"`
	// DBPath is the database path for the sqlite backend
	// (default ~/.starpal/starpal.db).
	DBPath string `toml:"db_path"`
	// WatchFiles reloads the conversation list when another process
	// modifies the file backend's directory.
	WatchFiles bool `toml:"watch_files"`
}

// UIConfig contains terminal interface settings.
type UIConfig struct {
	// ShowSidebar shows the conversation list on startup.
	ShowSidebar bool `toml:"show_sidebar"`
	// Greeting shows the welcome message in new conversations.
	Greeting bool `toml:"greeting"`
	// WordWrap is the markdown wrap width; 0 follows the terminal.
	WordWrap int `toml:"word_wrap"`
}

// Backend names accepted by StorageConfig.Backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:           "http://localhost:5000",
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Storage: StorageConfig{
			Backend:    BackendFile,
			WatchFiles: true,
		},
		UI: UIConfig{
			ShowSidebar: true,
			Greeting:    true,
		},
	}
}

// ConfigDir returns the starpal configuration directory (~/.starpal).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".starpal"), nil
}

// ConfigPath returns the path of the TOML configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir creates the configuration directory if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o700)
}

// =============================================================================
// LOAD
// =============================================================================

// Load reads the configuration file, falling back to defaults when none
// exists. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if _, derr := toml.DecodeFile(path, cfg); derr != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", path, derr)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific TOML file.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults replaces zero values with defaults.
func (c *Config) fillDefaults() {
	defaults := Default()
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = defaults.Server.BaseURL
	}
	if c.Server.RequestsPerSecond <= 0 {
		c.Server.RequestsPerSecond = defaults.Server.RequestsPerSecond
	}
	if c.Server.Burst <= 0 {
		c.Server.Burst = defaults.Server.Burst
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
}

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - STARPAL_SERVER_URL: backend base URL
//   - STARPAL_USERNAME: backend username
//   - STARPAL_BACKEND: storage backend ("file" or "sqlite")
//   - STARPAL_SIDEBAR: show sidebar ("true"/"false")
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STARPAL_SERVER_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("STARPAL_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("STARPAL_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("STARPAL_SIDEBAR"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.UI.ShowSidebar = b
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url scheme %q is not http or https", u.Scheme)
	}
	if c.Storage.Backend != BackendFile && c.Storage.Backend != BackendSQLite {
		return fmt.Errorf("storage.backend %q is not %q or %q",
			c.Storage.Backend, BackendFile, BackendSQLite)
	}
	if c.UI.WordWrap < 0 {
		return fmt.Errorf("ui.word_wrap must not be negative")
	}
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default TOML file with 0600
// permissions.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	fmt.Fprintln(file, "# starpal configuration file")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
