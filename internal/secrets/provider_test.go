package secrets_test

import (
	"context"
	"errors"
	"testing"

	"github.com/healthy-habitat/score-regions/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVault map[string]string

func (f fakeVault) GetSecret(ctx context.Context, name string) (string, error) {
	if v, ok := f[name]; ok {
		return v, nil
	}
	return "", errors.New("secret not found")
}

func TestResolveSource(t *testing.T) {
	tests := []struct {
		source      secrets.SecretSource
		environment string
		want        secrets.SecretSource
	}{
		{secrets.SourceAuto, "development", secrets.SourceEnvironment},
		{secrets.SourceAuto, "", secrets.SourceEnvironment},
		{secrets.SourceAuto, "local", secrets.SourceEnvironment},
		{secrets.SourceAuto, "staging", secrets.SourceVault},
		{secrets.SourceAuto, "production", secrets.SourceVault},
		{secrets.SourceEnvironment, "production", secrets.SourceEnvironment},
		{secrets.SourceVault, "development", secrets.SourceVault},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, secrets.ResolveSource(tt.source, tt.environment), "%s/%s", tt.source, tt.environment)
	}
}

func TestNewProvider_EnvironmentSource(t *testing.T) {
	t.Setenv("HH_TEST_SECRET", "from-env")

	p, err := secrets.NewProvider(&secrets.ProviderConfig{Source: secrets.SourceAuto, Environment: "development"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, secrets.SourceEnvironment, p.Source())

	v, err := p.GetSecret(context.Background(), "HH_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = p.GetSecret(context.Background(), "HH_TEST_SECRET_UNSET")
	assert.Error(t, err)
}

func TestNewProvider_VaultRequiresName(t *testing.T) {
	_, err := secrets.NewProvider(&secrets.ProviderConfig{Source: secrets.SourceVault}, zap.NewNop())
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	t.Setenv("HH_PREDICTION_KEY", "override")

	var storageKey, trainingKey, predictionKey, password string
	password = "configured"

	p := secrets.NewProviderWithGetter(fakeVault{
		"storage-key":    "vault-storage",
		"training-key":   "vault-training",
		"prediction-key": "vault-prediction",
	}, zap.NewNop())

	err := p.Apply(context.Background(), []secrets.Binding{
		{Secret: "storage-key", Env: "HH_STORAGE_KEY", Target: &storageKey, Required: true},
		{Secret: "training-key", Env: "HH_TRAINING_KEY", Target: &trainingKey, Required: true},
		{Secret: "prediction-key", Env: "HH_PREDICTION_KEY", Target: &predictionKey, Required: true},
		{Secret: "db-password", Env: "HH_DB_PASSWORD", Target: &password, Required: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "vault-storage", storageKey)
	assert.Equal(t, "vault-training", trainingKey)
	assert.Equal(t, "override", predictionKey)
	assert.Equal(t, "configured", password, "missing secret keeps the configured value")
}

func TestApply_RequiredMissing(t *testing.T) {
	var target string
	p := secrets.NewProviderWithGetter(fakeVault{}, zap.NewNop())

	err := p.Apply(context.Background(), []secrets.Binding{
		{Secret: "training-key", Env: "HH_TRAINING_KEY_UNSET", Target: &target, Required: true},
	})
	assert.ErrorContains(t, err, "training-key")

	err = p.Apply(context.Background(), []secrets.Binding{
		{Secret: "optional", Env: "HH_OPTIONAL_UNSET", Target: &target},
	})
	assert.NoError(t, err)
}
