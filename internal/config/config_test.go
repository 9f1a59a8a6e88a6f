package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dirsynch/internal/pipeline"
)

// loadFrom points Load at an isolated home directory so tests never touch
// the real ~/.dirsynch. viper keeps package-level state between calls.
func loadFrom(t *testing.T, home string) (*Config, error) {
	t.Helper()
	t.Setenv("HOME", home)
	viper.Reset()
	t.Cleanup(viper.Reset)
	return Load()
}

func writeConfigFile(t *testing.T, home, content string) {
	t.Helper()
	dir := filepath.Join(home, ".dirsynch")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadFrom(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9601, cfg.StatusPort)
	assert.Equal(t, 256, cfg.BufferSize)
	assert.Empty(t, cfg.Excludes)
	assert.Equal(t, "substring", cfg.ExcludeMode)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 5*time.Second, cfg.DebounceMaxDelay)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 2*time.Minute, cfg.TransferTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, time.Minute, cfg.RetryMaxInterval)
	assert.Equal(t, 0, cfg.RetryMaxAttempts, "unbounded retries by default")
	assert.Equal(t, "dirsynch.db", cfg.DBPath)
}

func TestLoad_ConfigFileOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, `
workers: 8
debounce_window: 200ms
excludes:
  - build
  - .git
exclude_mode: segment
retry_max_attempts: 5
`)

	cfg, err := loadFrom(t, home)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 200*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, []string{"build", ".git"}, cfg.Excludes)
	assert.Equal(t, "segment", cfg.ExcludeMode)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, 9601, cfg.StatusPort)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DIRSYNCH_STATUS_PORT", "7000")
	t.Setenv("DIRSYNCH_WORKERS", "2")

	cfg, err := loadFrom(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.StatusPort)
	assert.Equal(t, 2, cfg.Workers)
}

func TestLoad_ClampsWorkersFloor(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, "workers: 0\n")

	cfg, err := loadFrom(t, home)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Workers)
}

func TestLoad_ClampsMaxDelayToWindow(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, "debounce_window: 10s\ndebounce_max_delay: 1s\n")

	cfg, err := loadFrom(t, home)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.DebounceMaxDelay,
		"max delay can never undercut the window")
}

func TestLoad_MalformedConfigFile(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, "workers: [not: valid\n")

	_, err := loadFrom(t, home)
	assert.Error(t, err)
}

func TestLoad_ExcludeModeFeedsRules(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, "excludes:\n  - \"*.o\"\nexclude_mode: segment\n")

	cfg, err := loadFrom(t, home)
	require.NoError(t, err)

	rules, err := pipeline.NewRules(cfg.Excludes, pipeline.MatchMode(cfg.ExcludeMode))
	require.NoError(t, err)
	assert.True(t, rules.Excluded("/src/build/out.o"))
	assert.False(t, rules.Excluded("/src/main.go"))

	_, err = pipeline.NewRules(cfg.Excludes, pipeline.MatchMode("prefix"))
	assert.Error(t, err, "unknown mode must be rejected")
}
