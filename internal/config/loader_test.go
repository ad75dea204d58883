package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(tmpDir, "nonexistent.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Backend, cfg.Backend)
		assert.Equal(t, "@every 6h", cfg.Updates.Schedule)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "plughost.json")

		testConfig := `{
			"backend": {
				"url": "http://127.0.0.1:9000",
				"reject_pending_on_disconnect": true
			},
			"plugins": {"dev_dir": "/srv/plugins", "dev_watch": true},
			"data_dir": "` + tmpDir + `"
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "http://127.0.0.1:9000", cfg.Backend.URL)
		assert.True(t, cfg.Backend.RejectPendingOnDisconnect)
		assert.Equal(t, "/auth/token", cfg.Backend.TokenPath)
		assert.Equal(t, "/srv/plugins", cfg.Plugins.DevDir)
		assert.True(t, cfg.Plugins.DevWatch)
		assert.Equal(t, filepath.Join(tmpDir, "plughost.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(tmpDir, "settings.db"), cfg.Settings.DBPath)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("PLUGHOST_BACKEND_URL", "http://10.0.0.2:1337")
		t.Setenv("PLUGHOST_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "http://10.0.0.2:1337", cfg.Backend.URL)
		assert.Equal(t, tmpDir, cfg.DataDir)
	})

	t.Run("invalid json", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "plughost.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "plughost.json")

	cfg := DefaultConfig()
	cfg.Backend.URL = "http://127.0.0.1:4242"
	cfg.DataDir = tmpDir

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4242", loaded.Backend.URL)
	assert.Equal(t, tmpDir, loaded.DataDir)
}
