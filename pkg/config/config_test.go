package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/svckit/pkg/errors"
)

func noEnvFile() LoadOptions {
	return LoadOptions{}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithOptions(noEnvFile())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "svckit", cfg.Metrics.Namespace)
	assert.Equal(t, ":8080", cfg.Admin.Addr)
	assert.Equal(t, time.Hour, cfg.Admin.TokenExpiry)
	assert.Equal(t, []string{"*"}, cfg.Admin.CORSAllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Lifecycle.StopGracePeriod)
	assert.Equal(t, time.Minute, cfg.Publish.Periodicity)
	assert.True(t, cfg.Publish.Enabled)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "svckit.telemetry", cfg.Kafka.Topic)
	assert.False(t, cfg.AdminAuthEnabled())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SVCKIT_LOG_LEVEL", "debug")
	t.Setenv("SVCKIT_LIFECYCLE_STOP_GRACE_PERIOD", "3s")
	t.Setenv("SVCKIT_REDIS_ENABLED", "true")
	t.Setenv("SVCKIT_REDIS_DB", "4")
	t.Setenv("SVCKIT_ADMIN_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadWithOptions(noEnvFile())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Lifecycle.StopGracePeriod)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 4, cfg.Redis.DB)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Admin.CORSAllowedOrigins)
}

func TestLoad_ConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svckit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
admin:
  addr: ":9000"
publish:
  periodicity: 30s
kafka:
  enabled: true
  brokers: "k1:9092"
`), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--log-level", "error"}))

	cfg, err := LoadWithOptions(LoadOptions{Flags: fs})
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level, "flags win over the config file")
	assert.Equal(t, ":9000", cfg.Admin.Addr)
	assert.Equal(t, 30*time.Second, cfg.Publish.Periodicity)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "k1:9092", cfg.Kafka.Brokers)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SVCKIT_METRICS_NAMESPACE=fromdotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SVCKIT_METRICS_NAMESPACE") })

	cfg, err := LoadWithOptions(LoadOptions{EnvFile: path})
	require.NoError(t, err)
	assert.Equal(t, "fromdotenv", cfg.Metrics.Namespace)

	_, err = LoadWithOptions(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := LoadWithOptions(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadWithOptions(noEnvFile())
	require.NoError(t, err)

	cfg.Admin.Addr = ""
	cfg.Publish.Periodicity = 0
	cfg.Kafka.Enabled = true
	cfg.Kafka.Topic = ""

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	assert.Contains(t, err.Error(), "admin.addr")
	assert.Contains(t, err.Error(), "publish.periodicity")
	assert.Contains(t, err.Error(), "kafka.brokers")
}
