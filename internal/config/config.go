package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Config is the machine-wide ~/.pigeon/config.toml shared by every session.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Log            Log    `toml:"log"`
}

// Log controls the daemon logger.
type Log struct {
	Level string `toml:"level"`
	// Quiet keeps daemon logs out of stderr; the JSON file is always written.
	Quiet bool `toml:"quiet"`
}

// Default returns the configuration used when no config.toml exists.
func Default() *Config {
	return &Config{Log: Log{Level: "info"}}
}

// ZapLevel parses Level. An empty level means info.
func (l Log) ZapLevel() (zapcore.Level, error) {
	if l.Level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return lvl, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Load reads the global config. A missing file yields Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if _, err := cfg.Log.ZapLevel(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path with owner-only permissions.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
