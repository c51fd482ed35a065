package webhook

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSecretStore serves tenant secrets from a YAML file of the form
//
//	tenants:
//	  acme:
//	    slack_signing_secret: "..."
//
// The file is read once at construction.
type FileSecretStore struct {
	secrets map[string]string
}

type secretsFile struct {
	Tenants map[string]struct {
		SlackSigningSecret string `yaml:"slack_signing_secret"`
	} `yaml:"tenants"`
}

// LoadFileSecretStore parses the YAML secrets file at path.
func LoadFileSecretStore(path string) (*FileSecretStore, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("webhook: read secrets file: %w", err)
	}
	var f secretsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("webhook: parse secrets file: %w", err)
	}
	s := &FileSecretStore{secrets: make(map[string]string, len(f.Tenants))}
	for tenant, entry := range f.Tenants {
		if entry.SlackSigningSecret != "" {
			s.secrets[tenant] = entry.SlackSigningSecret
		}
	}
	return s, nil
}

// GetWebhookSecret implements SecretStore.
func (s *FileSecretStore) GetWebhookSecret(_ context.Context, tenantID string) (string, error) {
	secret, ok := s.secrets[tenantID]
	if !ok {
		return "", ErrSecretNotFound
	}
	return secret, nil
}

// ChainStore consults each store in order and returns the first secret found.
type ChainStore []SecretStore

// GetWebhookSecret implements SecretStore.
func (c ChainStore) GetWebhookSecret(ctx context.Context, tenantID string) (string, error) {
	var lastErr error = ErrSecretNotFound
	for _, s := range c {
		secret, err := s.GetWebhookSecret(ctx, tenantID)
		if err == nil && secret != "" {
			return secret, nil
		}
		if err != nil && !errors.Is(err, ErrSecretNotFound) {
			lastErr = err
		}
	}
	return "", lastErr
}
