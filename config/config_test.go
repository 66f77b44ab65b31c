package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "pgmockd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `listen:
  address: ""
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5432", cfg.Listen.Address)
	assert.Equal(t, "trust", cfg.Auth.Mode)
}

func TestLoadSubstitutesEnvironmentVariables(t *testing.T) {
	t.Setenv("PGMOCKD_PASSWORD", "s3cret")

	path := writeConfig(t, `auth:
  mode: cleartext
  username: postgres
  password: ${PGMOCKD_PASSWORD}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.Password)
}

func TestLoadLeavesUnsetEnvReferenceUntouched(t *testing.T) {
	path := writeConfig(t, `auth:
  mode: cleartext
  username: postgres
  password: ${PGMOCKD_UNSET_VAR}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${PGMOCKD_UNSET_VAR}", cfg.Auth.Password)
}

func TestLoadRejectsCleartextWithoutUsername(t *testing.T) {
	path := writeConfig(t, `auth:
  mode: cleartext
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownAuthMode(t *testing.T) {
	path := writeConfig(t, `auth:
  mode: kerberos
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNotificationsConfigLimitsAppliesDefaults(t *testing.T) {
	n := NotificationsConfig{MaxChannels: 10}

	limits := n.Limits()
	assert.Equal(t, 10, limits.MaxChannels)
	assert.Equal(t, 100, limits.MaxListenersPerChannel)
}

func TestPoolConfigPoolConfigAppliesDefaults(t *testing.T) {
	p := PoolConfig{MaxConnections: 5}

	cfg := p.PoolConfig()
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, 5, cfg.MinConnections)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `listen:
  address: "127.0.0.1:5433"
`)

	reloaded := make(chan *Config, 1)
	watcher, err := NewWatcher(path, slogt.New(t), func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Stop() })

	require.NoError(t, os.WriteFile(path, []byte(`listen:
  address: "127.0.0.1:5555"
`), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "127.0.0.1:5555", cfg.Listen.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("config watcher never fired a reload after the file changed")
	}
}
