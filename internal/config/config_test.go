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
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8765", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Schedule.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Schedule.InitialPollDelay)
	assert.Equal(t, 2*time.Second, cfg.Remote.ProbeTimeout)
	assert.Equal(t, 10000, cfg.Execution.OutputCap)
	assert.False(t, cfg.RemoteEnabled())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pccare.yaml")
	content := `
db_path: /var/lib/pccare/cache.db
remote:
  url: https://api.example.com/rest/v1/
  api_key: file-key
schedule:
  poll_interval: 45s
  catalog_grace: 10m
notifications: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REMOTE_API_KEY", "env-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/pccare/cache.db", cfg.DBPath)
	assert.Equal(t, "https://api.example.com/rest/v1", cfg.Remote.URL)
	assert.Equal(t, "env-key", cfg.Remote.APIKey, "environment overrides the file")
	assert.Equal(t, 45*time.Second, cfg.Schedule.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Schedule.CatalogGrace)
	assert.False(t, cfg.NotificationsEnabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"bad remote url", func(c *Config) { c.Remote.URL = "ftp://x" }},
		{"probe timeout too long", func(c *Config) { c.Remote.ProbeTimeout = 5 * time.Second }},
		{"probe cache too long", func(c *Config) { c.Remote.ProbeCacheTTL = 2 * time.Second }},
		{"zero output cap", func(c *Config) { c.Execution.OutputCap = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Defaults().Validate())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("X_BOOL", "yes")
	t.Setenv("X_INT", "nope")
	t.Setenv("X_DUR", "90s")

	assert.True(t, getEnvBool("X_BOOL", false))
	assert.Equal(t, 7, getEnvInt("X_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("X_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("X_MISSING", time.Second))
}
