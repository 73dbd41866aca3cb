package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

// secretsFile keeps secrets out of the config file, in
// $XDG_DATA_HOME/dialback/secrets.json with 0600 permissions.
type secretsFile struct {
	path string
}

func defaultSecretsFile() secretsFile {
	return secretsFile{path: filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appName, "secrets.json")}
}

func (f secretsFile) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f secretsFile) Get(account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	val, ok := secrets[appName][account]
	if !ok {
		return "", fmt.Errorf("secret %q not found", account)
	}
	return val, nil
}

func (f secretsFile) Set(account, value string) error {
	secrets, _ := f.read()
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[appName] == nil {
		secrets[appName] = make(map[string]string)
	}
	secrets[appName][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}
