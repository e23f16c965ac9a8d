package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderCredentials is one adapter's API credentials from the providers
// file. The file is keyed by adapter kind, matching auth_providers.adapter.
type ProviderCredentials struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// LoadProviderCredentials reads the YAML providers file. An empty path means
// no directory adapters are configured.
func LoadProviderCredentials(path string) (map[string]ProviderCredentials, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	creds := make(map[string]ProviderCredentials)
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	for kind, c := range creds {
		if c.BaseURL == "" {
			return nil, fmt.Errorf("providers file: adapter %q has no base_url", kind)
		}
	}
	return creds, nil
}
