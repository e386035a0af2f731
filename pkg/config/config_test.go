package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Database.Driver, cfg.Database.Driver)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
database:
  driver: postgres
  dsn: "postgres://localhost/profileserver"
identity:
  max_hosted_identities: 100
shutdown_timeout: 10s
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/profileserver", cfg.Database.DSN)
	assert.Equal(t, 100, cfg.Identity.MaxHostedIdentities)
}

func TestLoadRejectsInvalidDriver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
database:
  driver: mysql
  dsn: "x"
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveAndReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Identity.MaxHostedIdentities = 42
	require.NoError(t, Save(cfg, path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, reloaded.Identity.MaxHostedIdentities)
}

func TestWatcherHotReloadsBoundedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	require.NoError(t, Save(cfg, path))

	w, err := NewWatcher(t.Context(), path, cfg)
	require.NoError(t, err)
	defer w.Close()

	cfg.Identity.MaxHostedIdentities = 999
	require.NoError(t, Save(cfg, path))

	assert.Eventually(t, func() bool {
		return w.Current().Identity.MaxHostedIdentities == 999
	}, 2*time.Second, 20*time.Millisecond)
}
