package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"e2e_vault/internal/cryptographic/kdf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, kdf.DefaultIterations, cfg.Crypto.Iterations)
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  debug: true
server:
  addr: ":9090"
  challengeTTL: 30s
crypto:
  iterations: 5000
  hash: SHA512
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Log.Debug)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ChallengeTTL)
	assert.Equal(t, 5*time.Minute, cfg.Server.CodeTTL)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Server.MongoURI)

	d, err := cfg.Deriver()
	require.NoError(t, err)
	assert.Equal(t, 5000, d.Iterations())
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crypto:\n  iterations: 0\n  hash: md5\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iterations")
	assert.Contains(t, err.Error(), "md5")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
