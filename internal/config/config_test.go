package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistentfs/internal/storage"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "off", cfg.LogLevel)
	assert.Equal(t, ".dat", cfg.Extension)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, uint(3), cfg.MaxRebuildAttempts)
	assert.Equal(t, 100000, cfg.NameCacheSize)
	require.NotNil(t, cfg.Features)
	assert.Equal(t, storage.DefaultFeatures(), *cfg.Features, "embedded features match the storage defaults")
}

func TestConfigPath(t *testing.T) {
	t.Run("config dir", func(t *testing.T) {
		t.Setenv(EnvConfig, "")
		t.Setenv(EnvConfigDir, "/tmp/pfs-config")
		assert.Equal(t, "/tmp/pfs-config/config.yaml", ConfigPath())
	})

	t.Run("explicit file", func(t *testing.T) {
		t.Setenv(EnvConfig, "/etc/pfs.yaml")
		assert.Equal(t, "/etc/pfs.yaml", ConfigPath())
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "none.yaml"))
		t.Setenv(EnvLogLevel, "")
		t.Setenv(EnvHeadless, "")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("extension: .idx\nflush_interval: 250ms\nfeatures:\n  content_hashing: false\n"), 0600))
		t.Setenv(EnvConfig, path)
		t.Setenv(EnvLogLevel, "")
		t.Setenv(EnvHeadless, "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ".idx", cfg.Extension)
		assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
		assert.Equal(t, uint(3), cfg.MaxRebuildAttempts)
		assert.False(t, cfg.Features.ContentHashing)
		assert.True(t, cfg.Features.LockFreeRecords, "unset toggles keep their defaults")
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "none.yaml"))
		t.Setenv(EnvLogLevel, "debug")
		t.Setenv(EnvHeadless, "true")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.True(t, cfg.Headless)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("flush_interval: [1, 2\n"), 0600))
		_, err := LoadFromPath(path)
		assert.Error(t, err)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvConfigDir, t.TempDir())

	cfg := Default()
	cfg.LogLevel = "info"
	cfg.FlushInterval = time.Minute
	cfg.Features.InlineAttributeMaxSize = 32
	require.NoError(t, Save(cfg))

	loaded, err := LoadFromPath(ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestStoreOptions(t *testing.T) {
	cfg := Default()
	cfg.Headless = true
	cfg.FlushInterval = 0

	opts := cfg.StoreOptions()
	assert.Equal(t, ".dat", opts.Extension)
	assert.True(t, opts.Headless)
	assert.Zero(t, opts.FlushInterval)
	require.NotNil(t, opts.Features)
	assert.Equal(t, storage.DefaultFeatures(), *opts.Features)
	assert.NotSame(t, cfg.Features, opts.Features, "options get their own copy")

	cfg.BusyTimeout = 1234
	cfg.StoreOptions()
	defer storage.SetConfigBusyTimeout(0)
	t.Setenv(storage.EnvBusyTimeout, "")
	assert.Equal(t, 1234, storage.GetBusyTimeout())
}

func TestSetupLogging(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer log.SetLevel(log.GetLevel())

	var buf bytes.Buffer
	SetupLogging("WARN", &buf)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	SetupLogging("off", &buf)
	log.Error("dropped")
	assert.Empty(t, buf.String())
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in  string
		lvl log.Level
		ok  bool
	}{
		{"", 0, false},
		{"none", 0, false},
		{"OFF", 0, false},
		{"trace", log.TraceLevel, true},
		{"Debug", log.DebugLevel, true},
		{"info", log.InfoLevel, true},
		{"warning", log.WarnLevel, true},
		{"bogus", log.DebugLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, ok := ParseLogLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.lvl, lvl)
			}
		})
	}
}
