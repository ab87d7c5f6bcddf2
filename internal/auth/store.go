// Package auth stores provider API keys outside the project directory so
// they never end up next to session data or in a committed .env.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Credentials maps a provider name to its stored API key.
type Credentials struct {
	APIKeys map[string]string `json:"api_keys,omitempty"`
}

// CredentialPath returns the path to the credentials file
// (~/.kinesight/credentials.json).
func CredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".kinesight", "credentials.json"), nil
}

// Load reads the credentials file. Returns empty credentials if the file
// doesn't exist.
func Load() (*Credentials, error) {
	path, err := CredentialPath()
	if err != nil {
		return nil, err
	}
	return loadFrom(path)
}

func loadFrom(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Credentials{APIKeys: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if creds.APIKeys == nil {
		creds.APIKeys = map[string]string{}
	}
	return &creds, nil
}

// Save writes credentials with owner-only permissions.
func Save(creds *Credentials) error {
	path, err := CredentialPath()
	if err != nil {
		return err
	}
	return saveTo(path, creds)
}

func saveTo(path string, creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}

// Set stores key for provider, replacing any previous key. An empty key
// removes the entry.
func (c *Credentials) Set(provider, key string) {
	if c.APIKeys == nil {
		c.APIKeys = map[string]string{}
	}
	if key == "" {
		delete(c.APIKeys, provider)
		return
	}
	c.APIKeys[provider] = key
}

// Providers lists the providers with a stored key, sorted.
func (c *Credentials) Providers() []string {
	out := make([]string, 0, len(c.APIKeys))
	for p := range c.APIKeys {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ApplyEnv exports stored keys into the environment. envVar maps a provider
// to its variable name; providers it maps to "" are skipped. Variables that
// are already set win. Returns the variables it set.
func (c *Credentials) ApplyEnv(envVar func(provider string) string) []string {
	var set []string
	for _, p := range c.Providers() {
		name := envVar(p)
		if name == "" || os.Getenv(name) != "" {
			continue
		}
		if err := os.Setenv(name, c.APIKeys[p]); err == nil {
			set = append(set, name)
		}
	}
	return set
}

// Mask hides all but the last four characters of a key.
func Mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
