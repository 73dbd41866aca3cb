package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

// Secret accounts in the secrets file.
const (
	secretProviderAPIKey = "provider_api_key"
	secretWebhookSecret  = "webhook_secret"
	secretAPIToken       = "api_token"
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  string // secrets file account; empty for plain keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DIALBACK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DIALBACK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DIALBACK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "provider.base_url", typ: kString, env: "DIALBACK_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.agent_id", typ: kString, env: "DIALBACK_PROVIDER_AGENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Provider.AgentID = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.AgentID },
	},
	{
		key: "provider.phone_number_id", typ: kString, env: "DIALBACK_PROVIDER_PHONE_NUMBER_ID",
		apply:   func(cfg *Config, v any) { cfg.Provider.PhoneNumberID = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.PhoneNumberID },
	},
	{
		key: "provider.api_key", typ: kString, env: "DIALBACK_PROVIDER_API_KEY",
		secret:  secretProviderAPIKey,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "webhook.secret", typ: kString, env: "DIALBACK_WEBHOOK_SECRET",
		secret:  secretWebhookSecret,
		apply:   func(cfg *Config, v any) { cfg.Webhook.Secret = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.Secret },
	},
	{
		key: "webhook.tolerance", typ: kDuration, env: "DIALBACK_WEBHOOK_TOLERANCE",
		apply:   func(cfg *Config, v any) { cfg.Webhook.Tolerance = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Webhook.Tolerance },
	},
	{
		key: "scheduler.scan_interval", typ: kDuration, env: "DIALBACK_SCHEDULER_SCAN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.ScanInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.ScanInterval },
	},
	{
		key: "scheduler.concurrency", typ: kInt, env: "DIALBACK_SCHEDULER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.Concurrency },
	},
	{
		key: "scheduler.batch_limit", typ: kInt, env: "DIALBACK_SCHEDULER_BATCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.BatchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.BatchLimit },
	},
	{
		key: "calendar.default_duration_minutes", typ: kInt, env: "DIALBACK_CALENDAR_DEFAULT_DURATION_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Calendar.DefaultDurationMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Calendar.DefaultDurationMinutes },
	},
	{
		key: "api.token", typ: kString, env: "DIALBACK_API_TOKEN",
		secret:  secretAPIToken,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret != "" {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secrets still empty after the environment pass.
func applySecrets(cfg *Config, secrets secretStore) {
	for _, s := range specs {
		if s.secret == "" || s.extract(*cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.secret); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
