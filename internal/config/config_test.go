package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNeedsSecrets(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "defaults carry no secrets")

	cfg.Auth.TokenSecret = "s3cret"
	cfg.Admin.Password = "pw"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr)
	assert.Equal(t, "main-bot", cfg.Admin.Name)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.TokenTTL)
}

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
auth:
  token_secret: s3cret
  token_ttl: 24h
admin:
  name: overseer
  password: pw
monitor:
  interval: 10s
  offline_after: 1m
  claim_timeout: 5m
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "overseer", cfg.Admin.Name)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.ClaimTimeout)
}

func TestFromYAMLRejectsBadTTL(t *testing.T) {
	_, err := FromYAML([]byte(`
auth:
  token_secret: s3cret
  token_ttl: 5m
admin:
  password: pw
`))
	assert.Error(t, err, "TTL below an hour is refused")

	_, err = FromYAML([]byte(`
auth:
  token_secret: s3cret
  token_ttl: 2160h
admin:
  password: pw
`))
	assert.Error(t, err, "TTL beyond 30 days is refused")
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := FromYAML([]byte("{not yaml"))
	assert.Error(t, err)
}

func TestLoadOptional(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "hub.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: 0.0.0.0:9100\n"), 0o644))
	cfg, err = LoadOptional(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr)
	// Unset fields keep defaults.
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
}
