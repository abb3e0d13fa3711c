package am

import (
	"github.com/spf13/viper"
)

// Default values, shared with the accessors that guard against zero config
const (
	DefaultDatabasePath = "cachet.db"
	DefaultContentRoot  = ".cachet/content"
	DefaultTTLSeconds   = 7 * 24 * 3600
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("metadata.backend", MetadataBackendSQLite)
	v.SetDefault("metadata.redis_url", "redis://localhost:6379/0")

	v.SetDefault("content.root", DefaultContentRoot)

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_seconds", 1)

	v.SetDefault("extract.timeout_seconds", 120)
	v.SetDefault("extract.max_requests_per_minute", 60)
	v.SetDefault("extract.block_private_ips", true)

	v.SetDefault("janitor.ttl_seconds", DefaultTTLSeconds)
	v.SetDefault("janitor.interval_seconds", 3600)
	v.SetDefault("janitor.orphan_grace_seconds", 600)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "CACHET_DATABASE_PATH")
	v.BindEnv("metadata.redis_url", "CACHET_REDIS_URL")
	v.BindEnv("content.root", "CACHET_CONTENT_ROOT")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetContentRoot returns the configured content root
func (c *Config) GetContentRoot() string {
	if c.Content.Root == "" {
		return DefaultContentRoot
	}
	return c.Content.Root
}

// GetMetadataBackend returns the metadata backend, defaulting to sqlite
func (c *Config) GetMetadataBackend() string {
	if c.Metadata.Backend == "" {
		return MetadataBackendSQLite
	}
	return c.Metadata.Backend
}
