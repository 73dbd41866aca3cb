package config

import (
	"fmt"
	"strconv"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config. Secrets
// are reported as set or unset, never shown.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		value := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret != "" {
			if value == "" {
				value = "(unset)"
			} else {
				value = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
		})
	}
	return result
}

// SetKey writes a config key. Plain keys go to the config file, secrets to
// the secrets file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), defaultSecretsFile(), key, value)
}

func setKey(b ConfigBackend, secrets secretStore, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret != "" {
			return secrets.Set(s.secret, value)
		}
		switch s.typ {
		case kString:
			return b.SetString(key, value)
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		case kDuration:
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration value for %s: %w", key, err)
			}
			return b.SetString(key, value)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
