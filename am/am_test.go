package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance, no user/project config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, MetadataBackendSQLite, cfg.Metadata.Backend)
	assert.Equal(t, DefaultContentRoot, cfg.Content.Root)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, DefaultTTLSeconds, cfg.Janitor.TTLSeconds)
	assert.True(t, cfg.Extract.BlockPrivateIPs)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{Janitor: JanitorConfig{TTLSeconds: 60}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "minimal config is valid", mutate: func(c *Config) {}},
		{name: "zero workers is valid (disabled)", mutate: func(c *Config) { c.Pulse.Workers = 0 }},
		{name: "negative workers is invalid", mutate: func(c *Config) { c.Pulse.Workers = -1 }, wantErr: true},
		{name: "zero rate limit is valid (unlimited)", mutate: func(c *Config) { c.Extract.MaxRequestsPerMinute = 0 }},
		{name: "negative rate limit is invalid", mutate: func(c *Config) { c.Extract.MaxRequestsPerMinute = -5 }, wantErr: true},
		{name: "zero ttl is invalid", mutate: func(c *Config) { c.Janitor.TTLSeconds = 0 }, wantErr: true},
		{name: "negative orphan grace is invalid", mutate: func(c *Config) { c.Janitor.OrphanGraceSeconds = -1 }, wantErr: true},
		{name: "unknown backend is invalid", mutate: func(c *Config) { c.Metadata.Backend = "etcd" }, wantErr: true},
		{name: "redis without url is invalid", mutate: func(c *Config) { c.Metadata.Backend = MetadataBackendRedis }, wantErr: true},
		{
			name: "redis with url is valid",
			mutate: func(c *Config) {
				c.Metadata.Backend = MetadataBackendRedis
				c.Metadata.RedisURL = "redis://localhost:6379/1"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[janitor]
ttl_seconds = 300

[metadata]
backend = "redis"
redis_url = "redis://cache:6379/2"
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Janitor.TTLSeconds)
	assert.Equal(t, MetadataBackendRedis, cfg.Metadata.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Metadata.RedisURL)
	// Untouched sections keep their defaults
	assert.Equal(t, DefaultContentRoot, cfg.Content.Root)
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("walks up to am.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "found", "a", "b")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "found", "am.toml"), []byte(""), DefaultFilePermissions))

		t.Chdir(subDir)

		result := findProjectConfig()
		require.NotEmpty(t, result)
		assert.True(t, filepath.IsAbs(result))
		assert.Equal(t, "am.toml", filepath.Base(result))
	})

	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "missing", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))

		t.Chdir(subDir)

		assert.Empty(t, findProjectConfig())
	})
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	require.NoError(t, SetValue(path, "janitor.ttl_seconds", 120))
	require.NoError(t, SetValue(path, "content.root", "/var/cache/cachet"))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Janitor.TTLSeconds)
	assert.Equal(t, "/var/cache/cachet", cfg.Content.Root)

	// Second write rotated the first into .back1
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)

	err = SetValue(path, "ttl_seconds", 1)
	assert.Error(t, err)
}

func TestUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[janitor]
ttl = 300
interval_seconds = 60

[extrct]
timeout_seconds = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	unknown, err := UnknownKeys(path)
	require.NoError(t, err)
	assert.Contains(t, unknown, "janitor.ttl")
	assert.Contains(t, unknown, "extrct.timeout_seconds")
	assert.NotContains(t, unknown, "janitor.interval_seconds")
}

func TestEncodeRoundTripsThroughViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	out, err := Encode(cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "[janitor]")
	assert.Contains(t, out, "ttl_seconds = 604800")
}
