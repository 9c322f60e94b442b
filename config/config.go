// Package config loads the strongroom configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultMinFreeBytes is the free space a migration destination must have.
const DefaultMinFreeBytes = 100 << 20

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Table names a database table and the columns holding encrypted fields.
type Table struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
}

// Config is the strongroom configuration.
type Config struct {
	// DatabasePath is the application's SQLite database file.
	DatabasePath string `yaml:"databasePath"`
	// SettingsPath is the bbolt file holding the settings record.
	SettingsPath string `yaml:"settingsPath"`
	// FieldKey is the key material for field encryption. It may also be
	// supplied through STRONGROOM_FIELD_KEY.
	FieldKey     string  `yaml:"fieldKey,omitempty"`
	MinFreeBytes uint64  `yaml:"minFreeBytes"`
	Tables       []Table `yaml:"tables"`
	// MetricsListen, if set, serves Prometheus metrics during migrations.
	MetricsListen string `yaml:"metricsListen,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DatabasePath: "app.db",
		SettingsPath: "settings.db",
		MinFreeBytes: DefaultMinFreeBytes,
	}
}

// Load reads path and applies defaults for unset values. An empty path
// returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", filepath.Base(path), err)
		}
		if cfg.MinFreeBytes == 0 {
			cfg.MinFreeBytes = DefaultMinFreeBytes
		}
	}
	if key := os.Getenv("STRONGROOM_FIELD_KEY"); key != "" {
		cfg.FieldKey = key
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or duplicate values.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("%w: databasePath is required", ErrInvalid)
	}
	if c.SettingsPath == "" {
		return fmt.Errorf("%w: settingsPath is required", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("%w: tables[%d] has no name", ErrInvalid, i)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: table %q listed twice", ErrInvalid, t.Name)
		}
		seen[t.Name] = true
		if len(t.Columns) == 0 {
			return fmt.Errorf("%w: table %q has no columns", ErrInvalid, t.Name)
		}
	}
	return nil
}
