package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "America/Denver", cfg.Timezone)
	assert.Equal(t, "sunday", cfg.WeekStart)
	assert.Equal(t, "*/10 * * * *", cfg.RefreshCron)
	assert.Equal(t, StoreMemory, cfg.State.Store)
	assert.Equal(t, 3*time.Hour, cfg.State.StaleAfterDuration())
	assert.Equal(t, 168*time.Hour, cfg.State.KeyTTLDuration())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.NoError(t, cfg.Validate())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
week_start: Monday
backend:
  url: https://community.example.com
ics:
  - id: hidive
    name: Hi-Dive
    url: https://hi-dive.example.com/events.ics
    genre: Indie
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, time.Monday, cfg.Weekday())
	assert.Equal(t, 15*time.Second, cfg.Backend.Timeout())
	require.Len(t, cfg.ICS, 1)
	assert.Equal(t, "Indie", cfg.ICS[0].Genre)
	assert.Equal(t, 90, cfg.HorizonDays)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Backend.URL = "https://community.example.com"
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "pw"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GIGCAL_LISTEN":         ":7000",
		"GIGCAL_BACKEND_URL":    "https://api.example.com",
		"GIGCAL_BACKEND_TOKEN":  "svc",
		"GIGCAL_STATE_STORE":    "Redis",
		"GIGCAL_REDIS_ADDRESS":  "redis:6379",
		"GIGCAL_REDIS_PASSWORD": "secret",
		"GIGCAL_REDIS_DB":       "2",
		"GIGCAL_LOG_LEVEL":      "DEBUG",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.ApplyEnv(lookup)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "https://api.example.com", cfg.Backend.URL)
	assert.Equal(t, "svc", cfg.Backend.Token)
	assert.Equal(t, StoreRedis, cfg.State.Store)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvIgnoresBlank(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(string) (string, bool) { return "  ", true })
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad cron", func(c *Config) { c.RefreshCron = "every tuesday" }, "refresh"},
		{"bad store", func(c *Config) { c.State.Store = "etcd" }, "state.store"},
		{"bad stale_after", func(c *Config) { c.State.StaleAfter = "soon" }, "stale_after"},
		{"zero stale_after", func(c *Config) { c.State.StaleAfter = "0s" }, "stale_after"},
		{"bad key_ttl", func(c *Config) { c.State.KeyTTL = "-1h" }, "key_ttl"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"feed without id", func(c *Config) { c.ICS = []ICSConfig{{URL: "https://x"}} }, "id is required"},
		{"duplicate feed", func(c *Config) {
			c.ICS = []ICSConfig{{ID: "a", URL: "https://x"}, {ID: "a", URL: "https://y"}}
		}, "duplicate"},
		{"feed without url", func(c *Config) { c.ICS = []ICSConfig{{ID: "a"}} }, "url is required"},
		{"half basic auth", func(c *Config) { c.BasicAuth = &BasicAuthConfig{Username: "admin"} }, "basic_auth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "America/Denver", cfg.Location().String())

	cfg.Timezone = "nowhere"
	assert.Equal(t, time.UTC, cfg.Location())
}
