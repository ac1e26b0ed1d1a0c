package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Pointing HOME at a temp dir keeps the real ~/.stepflow out of the test.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoadConfigDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg := loadConfig()
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(home, ".stepflow", "stepflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.True(t, cfg.Panel)
	assert.Empty(t, cfg.Plugins)
}

func TestLoadConfigSettingsFile(t *testing.T) {
	home := isolateHome(t)

	dir := filepath.Join(home, ".stepflow")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	settings := `{
		"listen_addr": ":9999",
		"log_level": "debug",
		"pool_size": 3,
		"panel": false,
		"plugins": [{"name": "gh", "command": "gh-mcp"}]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o644))

	cfg := loadConfig()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.False(t, cfg.Panel)
	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, "gh", cfg.Plugins[0].Name)
	assert.Equal(t, "gh-mcp", cfg.Plugins[0].Command)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	home := isolateHome(t)

	dir := filepath.Join(home, ".stepflow")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"listen_addr": ":9999", "pool_size": 3}`), 0o644))

	t.Setenv("STEPFLOW_LISTEN_ADDR", ":7777")
	t.Setenv("STEPFLOW_POOL_SIZE", "25")
	t.Setenv("STEPFLOW_PANEL", "false")

	cfg := loadConfig()
	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, 25, cfg.PoolSize)
	assert.False(t, cfg.Panel)
}

func TestLoadConfigBadPoolSizeIgnored(t *testing.T) {
	isolateHome(t)

	t.Setenv("STEPFLOW_POOL_SIZE", "lots")

	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestVaultConfigFromEnv(t *testing.T) {
	t.Run("no key", func(t *testing.T) {
		t.Setenv("STEPFLOW_MASTER_KEY", "")
		t.Setenv("STEPFLOW_VAULT_PASSPHRASE", "")

		_, on, err := vaultConfigFromEnv()
		require.NoError(t, err)
		assert.False(t, on)
	})

	t.Run("hex master key", func(t *testing.T) {
		t.Setenv("STEPFLOW_MASTER_KEY", "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f")

		cfg, on, err := vaultConfigFromEnv()
		require.NoError(t, err)
		require.True(t, on)
		assert.Len(t, cfg.MasterKey, 32)
	})

	t.Run("malformed master key fails", func(t *testing.T) {
		t.Setenv("STEPFLOW_MASTER_KEY", "not-hex")

		_, _, err := vaultConfigFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hex-encoded")
	})

	t.Run("passphrase and salt", func(t *testing.T) {
		t.Setenv("STEPFLOW_MASTER_KEY", "")
		t.Setenv("STEPFLOW_VAULT_PASSPHRASE", "hunter2")
		t.Setenv("STEPFLOW_VAULT_SALT", "pepper")

		cfg, on, err := vaultConfigFromEnv()
		require.NoError(t, err)
		require.True(t, on)
		assert.Equal(t, "hunter2", cfg.Passphrase)
		assert.Equal(t, []byte("pepper"), cfg.Salt)
	})
}
