package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/dialback/internal/voice"
	"github.com/kalambet/dialback/internal/webhook"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Scheduler SchedulerConfig
	Calendar  CalendarConfig
	API       APIConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ProviderConfig struct {
	BaseURL       string
	AgentID       string
	PhoneNumberID string
	APIKey        string
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
}

type SchedulerConfig struct {
	ScanInterval time.Duration
	Concurrency  int
	BatchLimit   int
}

type CalendarConfig struct {
	DefaultDurationMinutes int
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Provider: ProviderConfig{
			BaseURL: voice.DefaultBaseURL,
		},
		Webhook: WebhookConfig{
			Tolerance: webhook.DefaultTolerance,
		},
		Scheduler: SchedulerConfig{
			ScanInterval: 30 * time.Second,
			Concurrency:  4,
			BatchLimit:   50,
		},
		Calendar: CalendarConfig{
			DefaultDurationMinutes: 30,
		},
	}
}

// Voice returns the provider client configuration.
func (p ProviderConfig) Voice() voice.Config {
	return voice.Config{
		BaseURL:       p.BaseURL,
		APIKey:        p.APIKey,
		AgentID:       p.AgentID,
		PhoneNumberID: p.PhoneNumberID,
	}
}

// Validate reports missing provider settings. The error wraps
// voice.ErrNotConfigured so callers can tell "not configured" apart from a
// failed call.
func (p ProviderConfig) Validate() error {
	return p.Voice().Validate()
}

// Authenticator returns the webhook authenticator configuration.
func (w WebhookConfig) Authenticator() webhook.Config {
	return webhook.Config{Secret: w.Secret, Tolerance: w.Tolerance}
}

// Load reads configuration from the JSON config file, environment variables
// and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/dialback/config.json. Secrets
// (provider.api_key, webhook.secret, api.token) are never read from it; they
// come from DIALBACK_* environment variables or
// $XDG_DATA_HOME/dialback/secrets.json.
//
// Environment variables (DIALBACK_*) override file values.
//
// Missing provider credentials are not an error here: the service starts and
// dispatch reports the provider as not configured.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), defaultSecretsFile())
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("invalid config: scheduler.concurrency must be at least 1")
	}
	if c.Scheduler.ScanInterval <= 0 {
		return fmt.Errorf("invalid config: scheduler.scan_interval must be positive")
	}
	if c.Calendar.DefaultDurationMinutes < 1 {
		return fmt.Errorf("invalid config: calendar.default_duration_minutes must be at least 1")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid config: log.level %q (want debug, info, warn or error)", c.Log.Level)
	}
	return nil
}

// EnsureAPIToken returns the management API token, generating and persisting
// one to the secrets file on first use.
func EnsureAPIToken(cfg *Config) (string, error) {
	return ensureAPIToken(cfg, defaultSecretsFile())
}

func ensureAPIToken(cfg *Config, secrets secretStore) (string, error) {
	if cfg.API.Token != "" {
		return cfg.API.Token, nil
	}
	token := uuid.New().String()
	if err := secrets.Set(secretAPIToken, token); err != nil {
		return "", fmt.Errorf("storing generated API token: %w", err)
	}
	cfg.API.Token = token
	return token, nil
}

// GetAPIToken reads the API token for CLI clients without generating one.
func GetAPIToken() string {
	cfg := defaults()
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, defaultSecretsFile())
	return cfg.API.Token
}
