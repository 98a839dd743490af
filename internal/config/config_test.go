package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 500, cfg.Engine.RowCap)
	assert.Equal(t, 2*time.Second, cfg.Local.IdleTimeout)
	assert.Equal(t, "remote", cfg.Remote.Mount)
	assert.True(t, cfg.Bridge.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cellbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[local]
root_path = "/srv/notebooks"
idle_timeout = "750ms"

[remote]
enabled = true
bucket = "datasets"
prefix = "team-a/"
`), 0644))

	t.Setenv("CELLBRIDGE_ENGINE_ROW_CAP", "50")
	t.Setenv("CELLBRIDGE_REMOTE_MOUNT", "s3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/notebooks", cfg.Local.RootPath)
	assert.Equal(t, 750*time.Millisecond, cfg.Local.IdleTimeout)
	assert.True(t, cfg.Remote.Enabled)
	assert.Equal(t, "datasets", cfg.Remote.Bucket)
	assert.Equal(t, "team-a/", cfg.Remote.Prefix)
	assert.Equal(t, "s3", cfg.Remote.Mount)
	assert.Equal(t, 50, cfg.Engine.RowCap)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"remote without bucket", func(c *Config) { c.Remote.Enabled = true }},
		{"zero row cap", func(c *Config) { c.Engine.RowCap = 0 }},
		{"zero idle timeout", func(c *Config) { c.Local.IdleTimeout = 0 }},
		{"no root", func(c *Config) { c.Local.RootPath = "" }},
		{"root mount", func(c *Config) {
			c.Remote.Enabled = true
			c.Remote.Bucket = "b"
			c.Remote.Mount = "/"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
