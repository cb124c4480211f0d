package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, filepath.Join(dir, "share"), cfg.ShareDir())
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.SessionDir())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
listen: 127.0.0.1:9000
etcd: [127.0.0.1:2379]
call_timeout: 5s
share: /srv/share
`), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Etcd)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, "/srv/share", cfg.ShareDir())
}

func TestSaveLoad(t *testing.T) {
	cfg := Default()
	cfg.Dir = filepath.Join(t.TempDir(), "nested")
	cfg.Balancer = "consistent-hash"
	require.NoError(t, cfg.Save())

	loaded, err := Load(cfg.Dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen: ["), 0600))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestIdentityIsStable(t *testing.T) {
	cfg := Default()
	cfg.Dir = t.TempDir()

	key, err := cfg.Identity()
	require.NoError(t, err)
	again, err := cfg.Identity()
	require.NoError(t, err)
	assert.Equal(t, key, again)

	info, err := os.Stat(filepath.Join(cfg.Dir, "identity.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "identity.key"), []byte("short"), 0600))
	_, err = cfg.Identity()
	assert.Error(t, err)
}

func TestDefaultDir(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/xbridge-test")
	dir, err := DefaultDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xbridge-test", dir)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("loud")
	assert.Error(t, err)
}
