package am

import (
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/teranos/cachet/errors"
)

// UnknownKeys decodes configPath strictly against Config and returns the keys that
// do not map to any field. Viper silently ignores them, which hides typos such as
// janitor.ttl instead of janitor.ttl_seconds.
func UnknownKeys(configPath string) ([]string, error) {
	var cfg Config
	meta, err := toml.DecodeFile(configPath, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", configPath)
	}

	var unknown []string
	for _, key := range meta.Undecoded() {
		unknown = append(unknown, key.String())
	}
	sort.Strings(unknown)
	return unknown, nil
}

// Encode renders cfg as TOML
func Encode(cfg *Config) (string, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode config")
	}
	return string(data), nil
}
