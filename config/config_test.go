package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"storage":{"postgres":{"url":"postgres://u:p@localhost/db"}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "America/Cuiaba", cfg.General.DefaultTimezone)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "15 23 * * *", cfg.Server.PlanningCron)
	assert.Equal(t, "0 0,9,14,19 * * *", cfg.Dispatch.Cron)
	assert.Equal(t, 2, cfg.Dispatch.DefaultFrequencyCap)
	assert.False(t, cfg.Dispatch.CrisisBypassCap)
	assert.Equal(t, 240, cfg.Planner.MaxCopyLength)
	assert.Equal(t, 3*time.Second, cfg.Planner.CuratorTimeout)
	assert.Equal(t, 10, cfg.RateLimit.PerMinute)
	assert.Equal(t, 5, cfg.RateLimit.PlansPerHour)
	assert.False(t, cfg.Storage.Redis.Enabled())
}

func TestLoadReadsSections(t *testing.T) {
	path := writeConfig(t, `{
		"general": {"default_timezone": "America/Sao_Paulo"},
		"storage": {
			"postgres": {"host": "db", "port": "5433", "dbname": "nurture"},
			"redis": {"host": "cache", "port": "6380"}
		},
		"dispatch": {"crisis_bypass_cap": true, "lock_ttl": "30s"},
		"planner": {"composer_timeout": "2s"}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "America/Sao_Paulo", cfg.General.DefaultTimezone)
	assert.Equal(t, "5433", cfg.Storage.Postgres.Port)
	assert.True(t, cfg.Storage.Redis.Enabled())
	assert.True(t, cfg.Dispatch.CrisisBypassCap)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.LockTTL)
	assert.Equal(t, 2*time.Second, cfg.Planner.ComposerTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"storage":{"postgres":{"url":"postgres://localhost/db"}}}`)
	t.Setenv("NURTURE_DISPATCH_PUSH_TITLE", "Olá")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Olá", cfg.Dispatch.PushTitle)
}

func TestLoadEnvOnlyKeys(t *testing.T) {
	path := writeConfig(t, `{}`)
	t.Setenv("NURTURE_STORAGE_POSTGRES_URL", "postgres://env/db")
	t.Setenv("NURTURE_SERVER_JWT_SECRET", "from-env")
	t.Setenv("NURTURE_PROVIDERS_OPENAI_API_KEY", "sk-env")
	t.Setenv("NURTURE_DISPATCH_CRISIS_BYPASS_CAP", "true")
	t.Setenv("NURTURE_PLANNER_CONCURRENCY", "7")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.Storage.Postgres.URL)
	assert.Equal(t, "from-env", cfg.Server.JWTSecret)
	assert.Equal(t, "sk-env", cfg.Providers.OpenAI.APIKey)
	assert.True(t, cfg.Dispatch.CrisisBypassCap)
	assert.Equal(t, 7, cfg.Planner.Concurrency)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"postgres missing":   `{}`,
		"bad timezone":       `{"general":{"default_timezone":"Mars/Olympus"},"storage":{"postgres":{"url":"x"}}}`,
		"redis without port": `{"storage":{"postgres":{"url":"x"},"redis":{"host":"cache","port":""}}}`,
		"negative limits":    `{"storage":{"postgres":{"url":"x"}},"rate_limit":{"per_minute":-1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigPanics(t *testing.T) {
	assert.Panics(t, func() { LoadConfig(filepath.Join(t.TempDir(), "missing.json")) })
}
