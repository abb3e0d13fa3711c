package am

import (
	"fmt"
	"time"
)

// Config represents the cachet configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Metadata MetadataConfig `mapstructure:"metadata" toml:"metadata"`
	Content  ContentConfig  `mapstructure:"content" toml:"content"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Extract  ExtractConfig  `mapstructure:"extract" toml:"extract"`
	Janitor  JanitorConfig  `mapstructure:"janitor" toml:"janitor"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// Metadata store backends
const (
	MetadataBackendSQLite = "sqlite"
	MetadataBackendRedis  = "redis"
)

// MetadataConfig selects where cache records, states and capability grants live
type MetadataConfig struct {
	Backend  string `mapstructure:"backend" toml:"backend"`     // sqlite (default) or redis
	RedisURL string `mapstructure:"redis_url" toml:"redis_url"` // e.g. redis://localhost:6379/0
}

// ContentConfig configures the blob store for extracted datasets
type ContentConfig struct {
	Root string `mapstructure:"root" toml:"root"` // Directory holding content blobs
}

// PulseConfig configures the async job system that runs extractions
type PulseConfig struct {
	Workers             int `mapstructure:"workers" toml:"workers"`                             // Concurrent extraction workers (0 = no background workers)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"` // How often idle workers check the queue
}

// ExtractConfig configures the extraction backends
type ExtractConfig struct {
	TimeoutSeconds       int  `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxRequestsPerMinute int  `mapstructure:"max_requests_per_minute" toml:"max_requests_per_minute"` // Per (origin, kind); 0 = unlimited
	BlockPrivateIPs      bool `mapstructure:"block_private_ips" toml:"block_private_ips"`
}

// JanitorConfig configures eviction and orphan reconciliation
type JanitorConfig struct {
	TTLSeconds         int `mapstructure:"ttl_seconds" toml:"ttl_seconds"`                   // Evict records not accessed for this long
	IntervalSeconds    int `mapstructure:"interval_seconds" toml:"interval_seconds"`         // 0 = only on `janitor run`
	OrphanGraceSeconds int `mapstructure:"orphan_grace_seconds" toml:"orphan_grace_seconds"` // Blobs younger than this are never orphaned
}

// TTL returns the janitor TTL as a duration
func (j JanitorConfig) TTL() time.Duration {
	return time.Duration(j.TTLSeconds) * time.Second
}

// Interval returns the janitor interval as a duration
func (j JanitorConfig) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

// OrphanGrace returns the orphan grace period as a duration
func (j JanitorConfig) OrphanGrace() time.Duration {
	return time.Duration(j.OrphanGraceSeconds) * time.Second
}

// Timeout returns the extraction timeout as a duration
func (e ExtractConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// PollInterval returns the worker poll interval as a duration
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Metadata: %s, Content: %s, Pulse: {Workers: %d}, Janitor: {TTL: %ds}}",
		c.Database.Path, c.Metadata.Backend, c.Content.Root, c.Pulse.Workers, c.Janitor.TTLSeconds)
}
