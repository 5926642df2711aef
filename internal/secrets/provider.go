package secrets

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// SecretSource defines where secrets are loaded from
type SecretSource string

const (
	// SourceEnvironment loads secrets from environment variables
	SourceEnvironment SecretSource = "environment"
	// SourceVault loads secrets from Azure Key Vault
	SourceVault SecretSource = "vault"
	// SourceAuto uses vault in staging/production, environment in development
	SourceAuto SecretSource = "auto"
)

// SecretGetter fetches a single named secret
type SecretGetter interface {
	GetSecret(ctx context.Context, secretName string) (string, error)
}

// Binding ties a Key Vault secret name to the environment variable that overrides it
// and the setting it fills
type Binding struct {
	Secret   string
	Env      string
	Target   *string
	Required bool
}

// Provider resolves the storage, model service and database credentials
type Provider struct {
	source SecretSource
	vault  SecretGetter
	logger *zap.Logger
}

// ProviderConfig holds configuration for the secrets provider
type ProviderConfig struct {
	Source       SecretSource
	VaultName    string
	Environment  string
	CacheEnabled bool
	CacheTTL     time.Duration
}

// NewProvider creates a provider; a vault source connects to Key Vault immediately
func NewProvider(cfg *ProviderConfig, logger *zap.Logger) (*Provider, error) {
	source := ResolveSource(cfg.Source, cfg.Environment)
	provider := &Provider{source: source, logger: logger}

	if source == SourceVault {
		if cfg.VaultName == "" {
			return nil, fmt.Errorf("vault name required when using vault secret source")
		}
		vaultClient, err := NewVaultClient(&VaultConfig{
			VaultName:    cfg.VaultName,
			CacheEnabled: cfg.CacheEnabled,
			CacheTTL:     cfg.CacheTTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vault client: %w", err)
		}
		provider.vault = vaultClient
	}

	logger.Info("Secrets provider initialized",
		zap.String("source", string(source)),
		zap.String("environment", cfg.Environment),
	)
	return provider, nil
}

// NewProviderWithGetter builds a vault-backed provider around an existing getter
func NewProviderWithGetter(getter SecretGetter, logger *zap.Logger) *Provider {
	return &Provider{source: SourceVault, vault: getter, logger: logger}
}

// ResolveSource turns "auto" into a concrete source for the given environment
func ResolveSource(source SecretSource, environment string) SecretSource {
	if source != SourceAuto {
		return source
	}
	switch environment {
	case "development", "local", "":
		return SourceEnvironment
	default:
		return SourceVault
	}
}

// Source returns the concrete secret source
func (p *Provider) Source() SecretSource {
	return p.source
}

// GetSecret looks secretName up in Key Vault, or reads it as an environment variable
// for the environment source
func (p *Provider) GetSecret(ctx context.Context, secretName string) (string, error) {
	switch p.source {
	case SourceEnvironment:
		value := os.Getenv(secretName)
		if value == "" {
			return "", fmt.Errorf("environment variable '%s' not set", secretName)
		}
		return value, nil
	case SourceVault:
		if p.vault == nil {
			return "", fmt.Errorf("vault client not initialized")
		}
		return p.vault.GetSecret(ctx, secretName)
	default:
		return "", fmt.Errorf("unknown secret source: %s", p.source)
	}
}

// Apply fills each binding. An explicitly set environment variable wins over the
// configured source; a lookup failure keeps the existing value. Required bindings
// that end up empty fail the whole call.
func (p *Provider) Apply(ctx context.Context, bindings []Binding) error {
	for _, b := range bindings {
		if v := os.Getenv(b.Env); v != "" {
			p.logger.Debug("Using environment variable override", zap.String("env_name", b.Env))
			*b.Target = v
			continue
		}

		value, err := p.GetSecret(ctx, b.Secret)
		if err == nil && value != "" {
			*b.Target = value
			continue
		}

		if b.Required && *b.Target == "" {
			if err == nil {
				err = fmt.Errorf("empty value")
			}
			return fmt.Errorf("secret %s is not available: %w", b.Secret, err)
		}
		p.logger.Debug("Secret not found, keeping configured value", zap.String("secret_name", b.Secret))
	}
	return nil
}
