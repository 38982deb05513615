package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("ANPR_DB_PASSWORD", "pw")
	t.Setenv("ANPR_STORAGE_TYPE", "local")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.WriteHost)
	assert.Equal(t, 5432, cfg.Database.WritePort)
	assert.Equal(t, 85.0, cfg.Normalization.MinConfidencePercent)
	assert.True(t, cfg.Normalization.RejectForeign)
	assert.Equal(t, 1, cfg.Normalization.MaxOCRCorrections)
	assert.False(t, cfg.StrictMode)
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestLoadReadFallsBackToWriter(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ANPR_DB_WRITE_HOST", "db-primary")
	t.Setenv("ANPR_DB_WRITE_PORT", "5433")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db-primary", cfg.Database.ReadHost)
	assert.Equal(t, 5433, cfg.Database.ReadPort)
}

func TestLoadSeparateReadEndpoint(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ANPR_DB_READ_HOST", "db-replica")
	t.Setenv("ANPR_DB_READ_PORT", "5434")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db-replica", cfg.Database.ReadHost)
	assert.Equal(t, 5434, cfg.Database.ReadPort)
}

func TestLoadRejectsS3WithoutBucket(t *testing.T) {
	t.Setenv("ANPR_DB_PASSWORD", "pw")
	t.Setenv("ANPR_STORAGE_TYPE", "s3")
	t.Setenv("ANPR_STORAGE_S3_HOST", "")
	t.Setenv("ANPR_STORAGE_S3_BUCKET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 storage")
}

func TestLoadRejectsUnknownStorageType(t *testing.T) {
	t.Setenv("ANPR_DB_PASSWORD", "pw")
	t.Setenv("ANPR_STORAGE_TYPE", "ftp")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresPasswordSource(t *testing.T) {
	t.Setenv("ANPR_STORAGE_TYPE", "local")
	t.Setenv("ANPR_DB_PASSWORD", "")
	t.Setenv("ANPR_SECRETS_ENABLED", "false")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
}

func TestLoadSecretsEnabledNoPasswordOK(t *testing.T) {
	t.Setenv("ANPR_STORAGE_TYPE", "local")
	t.Setenv("ANPR_SECRETS_ENABLED", "true")
	t.Setenv("ANPR_SECRETS_NAME", "prod/anpr/db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Secrets.Enabled)
	assert.Equal(t, "prod/anpr/db", cfg.Secrets.SecretName)
}

func TestPublicViewWithholdsCredentials(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ANPR_AUTH_JWT_SECRET", "topsecret")

	cfg, err := Load()
	require.NoError(t, err)

	pub := cfg.Public()
	for k, v := range pub {
		s, ok := v.(string)
		if !ok {
			continue
		}
		assert.NotContains(t, s, "pw", "key %s leaks password", k)
		assert.NotContains(t, s, "topsecret", "key %s leaks jwt secret", k)
	}
}
