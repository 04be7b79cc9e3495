// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Writes temp YAML files and checks defaults layering and failure modes.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 7000
router:
  max_pending: 64
  call_timeout: 5s
  swap_timeout: 90s
auth:
  share_key: abc123
database:
  path: /tmp/router-test.db
  retention: 48h
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Addr())
	assert.Equal(t, 64, cfg.Router.MaxPending)
	assert.Equal(t, 5*time.Second, cfg.Router.CallTimeout)
	assert.Equal(t, 90*time.Second, cfg.Router.SwapTimeout)
	assert.Equal(t, "abc123", cfg.Auth.ShareKey)
	assert.Equal(t, 48*time.Hour, cfg.Database.Retention)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Router.DrainGrace)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_SHARE_KEY", "from-env")

	path := writeConfig(t, `
auth:
  share_key: ${TEST_SHARE_KEY}
database:
  path: /tmp/router-test.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.ShareKey)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load("/nonexistent/router.yaml")
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, `
router:
  call_timeout: soon
database:
  path: /tmp/x.db
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "call_timeout")
	})

	t.Run("empty database path", func(t *testing.T) {
		path := writeConfig(t, `
database:
  path: ""
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "database.path")
	})

	t.Run("require_auth without credentials", func(t *testing.T) {
		path := writeConfig(t, `
auth:
  require_auth: true
database:
  path: /tmp/x.db
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "require_auth")
	})

	t.Run("tailscale without hostname", func(t *testing.T) {
		path := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: /tmp/x.db
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "tailscale.hostname")
	})
}

func TestDefaultConfigPath(t *testing.T) {
	t.Run("MCPM_CONFIG overrides the whole path", func(t *testing.T) {
		t.Setenv("MCPM_CONFIG", "/etc/mcpm/custom.yaml")
		assert.Equal(t, "/etc/mcpm/custom.yaml", DefaultConfigPath())
	})

	t.Run("XDG_CONFIG_HOME sets the directory", func(t *testing.T) {
		t.Setenv("MCPM_CONFIG", "")
		t.Setenv("MCPM_CONFIG_DIR", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, filepath.Join("/xdg", "mcpm"), DefaultConfigDir())
		assert.Equal(t, filepath.Join("/xdg", "mcpm", "router.yaml"), DefaultConfigPath())
	})

	t.Run("MCPM_CONFIG_DIR wins over XDG", func(t *testing.T) {
		t.Setenv("MCPM_CONFIG_DIR", "/opt/mcpm")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, "/opt/mcpm", DefaultConfigDir())
	})
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 6276, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 256, cfg.Router.MaxPending)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "router.yaml")

	cfg := Default()
	cfg.Server.Port = 7777
	cfg.Auth.ShareKey = "k"
	cfg.Router.CallTimeout = 15 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, loaded.Server.Port)
	assert.Equal(t, "k", loaded.Auth.ShareKey)
	assert.Equal(t, 15*time.Second, loaded.Router.CallTimeout)
}
