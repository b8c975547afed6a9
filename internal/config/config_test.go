package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Assignments.CacheTTL)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{
		"PORT":                 "9090",
		"REDIS_HOST":           "cache.internal",
		"REDIS_TLS":            "true",
		"ASSIGNMENTS_TTL":      "90",
		"ASSIGNMENTS_MODE":     "exhaustive",
		"RATE_RPS":             "2.5",
		"RATE_TRUSTED_PROXIES": "10.0.0.0/8, 192.0.2.1",
		"WEBHOOK_MAX_ATTEMPTS": "3",
	}))
	require.NoError(t, err)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.True(t, cfg.Redis.TLS)
	assert.Equal(t, 90*time.Second, cfg.Assignments.CacheTTL)
	assert.Equal(t, "exhaustive", cfg.Assignments.Mode)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.RateLimit.TrustedProxies)
	assert.Equal(t, 3, cfg.Webhooks.MaxAttempts)
}

func TestProxyPrefixes(t *testing.T) {
	rl := RateLimitConfig{TrustedProxies: []string{"10.1.2.3/8", "192.0.2.1", "::ffff:198.51.100.4", " "}}
	got, err := rl.ProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "192.0.2.1/32", got[1].String())
	assert.Equal(t, "198.51.100.4/32", got[2].String())

	cfg := Default()
	cfg.Resolve()
	cfg.RateLimit.TrustedProxies = []string{"proxy.internal"}
	assert.ErrorContains(t, cfg.Validate(), "rateLimit.trustedProxies")
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{"PORT": "http", "REDIS_TLS": "maybe"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "REDIS_TLS")
}

func TestResolveDriverPrecedence(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"postgres wins", func(c *Config) { c.Store.DatabaseURL = "postgres://x"; c.Store.SQLitePath = "a.db"; c.Redis.URL = "redis://r" }, "postgres"},
		{"sqlite before redis", func(c *Config) { c.Store.SQLitePath = "a.db"; c.Redis.URL = "redis://r" }, "sqlite"},
		{"redis", func(c *Config) { c.Redis.Host = "r" }, "redis"},
		{"memory", func(c *Config) {}, "memory"},
		{"explicit", func(c *Config) { c.Store.Driver = "MEMORY"; c.Store.DatabaseURL = "postgres://x" }, "memory"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			cfg.Resolve()
			assert.Equal(t, tc.want, cfg.Store.Driver)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "mongo"
	cfg.Assignments.CacheTTL = 0
	cfg.Assignments.Mode = "alns"
	cfg.Auth.Mode = "hmac"
	cfg.Broker.Driver = "nats"
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.driver", "cacheTTL", "assignments.mode", "hmacSecret", "natsUrl"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadFromYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
assignments:
  cacheTTL: 10m
  mode: exhaustive
broker:
  driver: memory
log:
  level: debug
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Assignments.CacheTTL)
	assert.Equal(t, "exhaustive", cfg.Assignments.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestRedisClientOptions(t *testing.T) {
	opt, err := RedisConfig{Host: "cache", Port: 6380, Password: "pw", DB: 2, TLS: true}.ClientOptions()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opt.Addr)
	assert.Equal(t, 2, opt.DB)
	require.NotNil(t, opt.TLSConfig)
	assert.Equal(t, "cache", opt.TLSConfig.ServerName)

	opt, err = RedisConfig{URL: "redis://localhost:6379/1", Port: 6379}.ClientOptions()
	require.NoError(t, err)
	assert.Equal(t, 1, opt.DB)
	assert.Nil(t, opt.TLSConfig, "plain URL does not enable TLS")

	opt, err = RedisConfig{URL: "rediss://secure:6380", TLSInsecureSkipVerify: true}.ClientOptions()
	require.NoError(t, err)
	require.NotNil(t, opt.TLSConfig)
	assert.True(t, opt.TLSConfig.InsecureSkipVerify)
}
