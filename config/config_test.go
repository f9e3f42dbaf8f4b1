package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/config"
)

func TestLoadRequiresSecrets(t *testing.T) {
	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLOWMAESTRO_JWT_SECRET", "s3cret")
	t.Setenv("FLOWMAESTRO_DATABASE_URL", "postgres://localhost/flowmaestro")
	t.Setenv("FLOWMAESTRO_LISTEN_PORT", "9090")
	t.Setenv("FLOWMAESTRO_CORS_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("FLOWMAESTRO_MAX_RUNNING_PER_USER", "5")
	t.Setenv("FLOWMAESTRO_DEBUG", "true")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr())
	assert.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, 5, cfg.Limits.MaxRunningPerUser)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "localhost:7233", cfg.Temporal.Address)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 8443
database:
  url: postgres://db.internal/flowmaestro
auth:
  jwt_secret: from-file
temporal:
  task_queue: workflows
`), 0o600))
	t.Setenv("FLOWMAESTRO_JWT_SECRET", "from-env")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.HTTP.Port)
	assert.Equal(t, "workflows", cfg.Temporal.TaskQueue)
	// env wins over the file
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("FLOWMAESTRO_JWT_SECRET", "s")
	t.Setenv("FLOWMAESTRO_DATABASE_URL", "postgres://localhost/x")
	t.Setenv("FLOWMAESTRO_LISTEN_PORT", "70000")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
