package am

import "github.com/teranos/cachet/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Metadata.Backend {
	case "", MetadataBackendSQLite:
	case MetadataBackendRedis:
		if c.Metadata.RedisURL == "" {
			return errors.New("metadata.redis_url cannot be empty when metadata.backend is redis")
		}
	default:
		return errors.Newf("metadata.backend must be %q or %q, got %q",
			MetadataBackendSQLite, MetadataBackendRedis, c.Metadata.Backend)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalSeconds < 0 {
		return errors.Newf("pulse.poll_interval_seconds must be >= 0, got %d", c.Pulse.PollIntervalSeconds)
	}

	if c.Extract.TimeoutSeconds < 0 {
		return errors.Newf("extract.timeout_seconds must be >= 0, got %d", c.Extract.TimeoutSeconds)
	}
	// 0 = unlimited
	if c.Extract.MaxRequestsPerMinute < 0 {
		return errors.Newf("extract.max_requests_per_minute must be >= 0, got %d", c.Extract.MaxRequestsPerMinute)
	}

	// A zero TTL would evict every record on the first pass
	if c.Janitor.TTLSeconds <= 0 {
		return errors.Newf("janitor.ttl_seconds must be > 0, got %d", c.Janitor.TTLSeconds)
	}
	if c.Janitor.IntervalSeconds < 0 {
		return errors.Newf("janitor.interval_seconds must be >= 0, got %d", c.Janitor.IntervalSeconds)
	}
	if c.Janitor.OrphanGraceSeconds < 0 {
		return errors.Newf("janitor.orphan_grace_seconds must be >= 0, got %d", c.Janitor.OrphanGraceSeconds)
	}

	return nil
}
