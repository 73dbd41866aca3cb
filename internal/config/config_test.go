package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/dialback/internal/voice"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets struct {
	values map[string]string
}

func (m *mockSecrets) Get(account string) (string, error) {
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockSecrets) Set(account, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[account] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, `{}`), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Provider.BaseURL != voice.DefaultBaseURL {
		t.Errorf("Provider.BaseURL = %q", cfg.Provider.BaseURL)
	}
	if cfg.Webhook.Tolerance != 5*time.Minute {
		t.Errorf("Webhook.Tolerance = %s, want 5m", cfg.Webhook.Tolerance)
	}
	if cfg.Scheduler.ScanInterval != 30*time.Second || cfg.Scheduler.Concurrency != 4 || cfg.Scheduler.BatchLimit != 50 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Calendar.DefaultDurationMinutes != 30 {
		t.Errorf("Calendar.DefaultDurationMinutes = %d", cfg.Calendar.DefaultDurationMinutes)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestFileValues verifies that all plain fields are read from the JSON file.
func TestFileValues(t *testing.T) {
	b := writeTempConfig(t, `{
		"server.port": 5000,
		"storage.data_dir": "/tmp/dialback-test",
		"log.level": "debug",
		"provider.base_url": "http://provider.local",
		"provider.agent_id": "agent_1",
		"provider.phone_number_id": "phnum_1",
		"webhook.tolerance": "2m",
		"scheduler.scan_interval": "10s",
		"scheduler.concurrency": 8,
		"scheduler.batch_limit": "25",
		"calendar.default_duration_minutes": 45,
		"provider.api_key": "must-not-be-read"
	}`)

	cfg, err := loadWith(b, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 || cfg.Storage.DataDir != "/tmp/dialback-test" || cfg.Log.Level != "debug" {
		t.Errorf("server/storage/log = %+v %+v %+v", cfg.Server, cfg.Storage, cfg.Log)
	}
	if cfg.Provider.BaseURL != "http://provider.local" || cfg.Provider.AgentID != "agent_1" || cfg.Provider.PhoneNumberID != "phnum_1" {
		t.Errorf("Provider = %+v", cfg.Provider)
	}
	if cfg.Provider.APIKey != "" {
		t.Errorf("secret read from config file: %q", cfg.Provider.APIKey)
	}
	if cfg.Webhook.Tolerance != 2*time.Minute || cfg.Scheduler.ScanInterval != 10*time.Second {
		t.Errorf("durations = %s, %s", cfg.Webhook.Tolerance, cfg.Scheduler.ScanInterval)
	}
	if cfg.Scheduler.Concurrency != 8 || cfg.Scheduler.BatchLimit != 25 || cfg.Calendar.DefaultDurationMinutes != 45 {
		t.Errorf("Scheduler = %+v, Calendar = %+v", cfg.Scheduler, cfg.Calendar)
	}
}

// TestEnvOverride verifies that environment variables override file values.
func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": 5000, "provider.agent_id": "file-agent"}`)

	t.Setenv("DIALBACK_SERVER_PORT", "6000")
	t.Setenv("DIALBACK_PROVIDER_AGENT_ID", "env-agent")
	t.Setenv("DIALBACK_PROVIDER_API_KEY", "env-key")
	t.Setenv("DIALBACK_WEBHOOK_TOLERANCE", "90s")

	cfg, err := loadWith(b, &mockSecrets{values: map[string]string{secretProviderAPIKey: "file-secret"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 || cfg.Provider.AgentID != "env-agent" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Server, cfg.Provider)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("APIKey = %q, env should win over secrets file", cfg.Provider.APIKey)
	}
	if cfg.Webhook.Tolerance != 90*time.Second {
		t.Errorf("Tolerance = %s", cfg.Webhook.Tolerance)
	}
}

// TestSecretsFallback verifies the secrets file is consulted when env is empty.
func TestSecretsFallback(t *testing.T) {
	secrets := &mockSecrets{values: map[string]string{
		secretProviderAPIKey: "xi-secret",
		secretWebhookSecret:  "wsec",
		secretAPIToken:       "tok",
	}}
	cfg, err := loadWith(writeTempConfig(t, `{}`), secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.APIKey != "xi-secret" || cfg.Webhook.Secret != "wsec" || cfg.API.Token != "tok" {
		t.Errorf("secrets = %q %q %q", cfg.Provider.APIKey, cfg.Webhook.Secret, cfg.API.Token)
	}
}

func TestProviderValidate(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, `{}`), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Provider.Validate(); !errors.Is(err, voice.ErrNotConfigured) {
		t.Errorf("Validate = %v, want ErrNotConfigured", err)
	}

	cfg.Provider.APIKey, cfg.Provider.AgentID, cfg.Provider.PhoneNumberID = "k", "a", "p"
	if err := cfg.Provider.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]string{
		"port":        `{"server.port": 70000}`,
		"concurrency": `{"scheduler.concurrency": 0}`,
		"log level":   `{"log.level": "loud"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadWith(writeTempConfig(t, content), &mockSecrets{}); err == nil {
				t.Fatal("expected error")
			} else if !strings.Contains(err.Error(), "invalid config") {
				t.Errorf("error = %q", err)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)
	secrets := &mockSecrets{}

	if err := setKey(b, secrets, "scheduler.concurrency", "6"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, secrets, "webhook.tolerance", "3m"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, secrets, "webhook.secret", "wsec"); err != nil {
		t.Fatalf("setKey secret: %v", err)
	}
	if err := setKey(b, secrets, "scheduler.concurrency", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKey(b, secrets, "webhook.tolerance", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, secrets, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(newFileBackend(b.path), secrets)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Scheduler.Concurrency != 6 || cfg.Webhook.Tolerance != 3*time.Minute || cfg.Webhook.Secret != "wsec" {
		t.Errorf("after set: %+v %+v", cfg.Scheduler, cfg.Webhook)
	}

	data, _ := os.ReadFile(b.path)
	if strings.Contains(string(data), "wsec") {
		t.Error("secret written to config file")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Provider.APIKey = "xi-secret"
	for _, info := range ShowAll(cfg) {
		switch info.Key {
		case "provider.api_key":
			if info.Value != "(set)" {
				t.Errorf("provider.api_key shown as %q", info.Value)
			}
		case "webhook.secret":
			if info.Value != "(unset)" {
				t.Errorf("webhook.secret shown as %q", info.Value)
			}
		}
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys returned %d keys, want %d", len(ValidKeys()), len(specs))
	}
}

func TestEnsureAPIToken(t *testing.T) {
	secrets := &mockSecrets{}
	cfg := defaults()

	token, err := ensureAPIToken(&cfg, secrets)
	if err != nil {
		t.Fatalf("ensureAPIToken: %v", err)
	}
	if token == "" || cfg.API.Token != token || secrets.values[secretAPIToken] != token {
		t.Errorf("token %q not persisted: cfg=%q secrets=%v", token, cfg.API.Token, secrets.values)
	}

	again, err := ensureAPIToken(&cfg, secrets)
	if err != nil || again != token {
		t.Errorf("second call = %q, %v; want existing token", again, err)
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	f := secretsFile{path: filepath.Join(t.TempDir(), "nested", "secrets.json")}
	if _, err := f.Get(secretAPIToken); err == nil {
		t.Fatal("expected error before file exists")
	}
	if err := f.Set(secretAPIToken, "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.Set(secretWebhookSecret, "wsec"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := f.Get(secretAPIToken); err != nil || v != "tok" {
		t.Errorf("Get = %q, %v", v, err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", info.Mode().Perm())
	}
}
