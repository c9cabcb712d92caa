// Copyright 2024 PersistentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"persistentfs/internal/artifacts"
	"persistentfs/internal/storage"
)

const (
	// EnvConfigDir overrides the config directory (default ~/.persistentfs).
	EnvConfigDir = "PERSISTENTFS_CONFIG_DIR"
	// EnvConfig points at a config file, bypassing the config directory.
	EnvConfig   = "PERSISTENTFS_CONFIG"
	EnvLogLevel = "PERSISTENTFS_LOG_LEVEL"
	EnvHeadless = "PERSISTENTFS_HEADLESS"
)

// ConfigDir returns the config directory path.
// Computed on every call so tests can isolate it via PERSISTENTFS_CONFIG_DIR.
func ConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".persistentfs")
}

// ConfigPath returns the path of the config file.
func ConfigPath() string {
	if path := os.Getenv(EnvConfig); path != "" {
		return path
	}
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Config is the user configuration of stores opened by the CLI.
type Config struct {
	LogLevel           string            `yaml:"log_level"` // trace, debug, info, warn, off (case insensitive)
	Extension          string            `yaml:"extension"`
	FlushInterval      time.Duration     `yaml:"flush_interval"`
	MaxRebuildAttempts uint              `yaml:"max_rebuild_attempts"`
	Headless           bool              `yaml:"headless"`
	NameCacheSize      int               `yaml:"name_cache_size"`
	BusyTimeout        int               `yaml:"busy_timeout"` // ms, 0 = default
	Features           *storage.Features `yaml:"features"`     // nil = storage defaults
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Extension == "" {
		cfg.Extension = storage.DefaultExtension
	}
	if cfg.MaxRebuildAttempts == 0 {
		cfg.MaxRebuildAttempts = storage.DefaultMaxRebuildAttempts
	}
	if cfg.NameCacheSize == 0 {
		cfg.NameCacheSize = storage.DefaultNameCacheSize
	}
	if cfg.Features == nil {
		f := storage.DefaultFeatures()
		cfg.Features = &f
	}
}

// applyEnv overrides fields from the environment.
func (cfg *Config) applyEnv() {
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.LogLevel = level
	}
	if v := os.Getenv(EnvHeadless); v != "" {
		if headless, err := strconv.ParseBool(v); err == nil {
			cfg.Headless = headless
		}
	}
}

// Default returns the embedded default configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded config: " + err.Error())
	}
	cfg.ApplyDefaults()
	return &cfg
}

// Load reads ConfigPath, falling back to the embedded defaults when the file
// does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg, err := LoadFromPath(ConfigPath())
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFromPath reads one config file. Fields missing from the file keep
// their embedded defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Save writes cfg to ConfigPath.
func Save(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# PersistentFS configuration\n# See: persistentfs --help\n\n")
	return os.WriteFile(path, append(header, data...), 0600)
}

// StoreOptions derives the options Open is called with. The busy timeout is
// process-wide and applied here as a side effect.
func (cfg *Config) StoreOptions() storage.Options {
	storage.SetConfigBusyTimeout(cfg.BusyTimeout)
	opts := storage.Options{
		Extension:          cfg.Extension,
		FlushInterval:      cfg.FlushInterval,
		MaxRebuildAttempts: cfg.MaxRebuildAttempts,
		Headless:           cfg.Headless,
		NameCacheSize:      cfg.NameCacheSize,
	}
	if cfg.Features != nil {
		f := *cfg.Features
		opts.Features = &f
	}
	return opts
}

// ParseLogLevel maps a configured level to logrus. ok is false for "off",
// "none" and the empty string.
func ParseLogLevel(level string) (lvl log.Level, ok bool) {
	switch strings.ToLower(level) {
	case "", "off", "none":
		return 0, false
	case "trace":
		return log.TraceLevel, true
	case "debug":
		return log.DebugLevel, true
	case "info":
		return log.InfoLevel, true
	case "warn", "warning":
		return log.WarnLevel, true
	case "error":
		return log.ErrorLevel, true
	default:
		return log.DebugLevel, true
	}
}

// SetupLogging routes logrus to w at the configured level, or discards all
// output when logging is off.
func SetupLogging(level string, w io.Writer) {
	lvl, ok := ParseLogLevel(level)
	if !ok {
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(w)
	log.SetLevel(lvl)
}
