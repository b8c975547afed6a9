// Package config loads service configuration from an optional YAML file, a .env file and the
// process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Assignments AssignmentsConfig `yaml:"assignments"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
	Broker      BrokerConfig      `yaml:"broker"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// StoreConfig selects the inventory backend. An empty Driver is resolved by Resolve.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, redis, postgres, sqlite
	DatabaseURL string `yaml:"databaseUrl"`
	SQLitePath  string `yaml:"sqlitePath"`
	Migrate     bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL                   string `yaml:"url"`
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Password              string `yaml:"password"`
	DB                    int    `yaml:"db"`
	TLS                   bool   `yaml:"tls"`
	TLSInsecureSkipVerify bool   `yaml:"tlsInsecureSkipVerify"`
}

// Configured reports whether any redis endpoint was given.
func (r RedisConfig) Configured() bool { return r.URL != "" || r.Host != "" }

type AssignmentsConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
	Mode     string        `yaml:"mode"` // greedy, exhaustive
}

type AuthConfig struct {
	Mode         string `yaml:"mode"` // none, dev, hmac
	HMACSecret   string `yaml:"hmacSecret"`
	RoleClaim    string `yaml:"roleClaim"`
	SubjectClaim string `yaml:"subjectClaim"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"` // 0 disables limiting
	Burst int     `yaml:"burst"`
	// TrustedProxies lists peer IPs or CIDRs whose X-Forwarded-For header is honoured.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (r RateLimitConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(r.TrustedProxies))
	for _, raw := range r.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("rateLimit.trustedProxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("rateLimit.trustedProxies: %w", err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

type WebhooksConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type BrokerConfig struct {
	Driver  string `yaml:"driver"` // memory, redis, nats
	NATSURL string `yaml:"natsUrl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:      ServerConfig{Port: 8080, ReadHeaderTimeout: 5 * time.Second, ShutdownTimeout: 10 * time.Second},
		Store:       StoreConfig{Migrate: true},
		Redis:       RedisConfig{Port: 6379},
		Assignments: AssignmentsConfig{CacheTTL: 30 * time.Minute, Mode: "greedy"},
		Auth:        AuthConfig{Mode: "none", RoleClaim: "role", SubjectClaim: "sub"},
		RateLimit:   RateLimitConfig{RPS: 0, Burst: 20},
		Webhooks:    WebhooksConfig{MaxAttempts: 8, PollInterval: 2 * time.Second, Timeout: 5 * time.Second},
		Broker:      BrokerConfig{Driver: "memory"},
		Log:         LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE (YAML) if set, then environment
// variables (a .env file in the working directory is loaded first when present).
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			var out []string
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			}
			*dst = out
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := parseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	num("PORT", &cfg.Server.Port)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)
	flag("DB_MIGRATE", &cfg.Store.Migrate)
	str("REDIS_URL", &cfg.Redis.URL)
	str("REDIS_HOST", &cfg.Redis.Host)
	num("REDIS_PORT", &cfg.Redis.Port)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	flag("REDIS_TLS", &cfg.Redis.TLS)
	flag("REDIS_TLS_INSECURE", &cfg.Redis.TLSInsecureSkipVerify)
	dur("ASSIGNMENTS_TTL", &cfg.Assignments.CacheTTL)
	str("ASSIGNMENTS_MODE", &cfg.Assignments.Mode)
	str("AUTH_MODE", &cfg.Auth.Mode)
	str("AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)
	str("AUTH_ROLE_CLAIM", &cfg.Auth.RoleClaim)
	str("AUTH_SUBJECT_CLAIM", &cfg.Auth.SubjectClaim)
	flt("RATE_RPS", &cfg.RateLimit.RPS)
	num("RATE_BURST", &cfg.RateLimit.Burst)
	list("RATE_TRUSTED_PROXIES", &cfg.RateLimit.TrustedProxies)
	num("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhooks.MaxAttempts)
	dur("WEBHOOK_POLL_INTERVAL", &cfg.Webhooks.PollInterval)
	str("BROKER", &cfg.Broker.Driver)
	str("NATS_URL", &cfg.Broker.NATSURL)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("30m") or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Resolve fills in the store driver when it was not set explicitly.
func (c *Config) Resolve() {
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	c.Broker.Driver = strings.ToLower(c.Broker.Driver)
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if c.Store.Driver != "" {
		return
	}
	switch {
	case c.Store.DatabaseURL != "":
		c.Store.Driver = "postgres"
	case c.Store.SQLitePath != "":
		c.Store.Driver = "sqlite"
	case c.Redis.Configured():
		c.Store.Driver = "redis"
	default:
		c.Store.Driver = "memory"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Configured() {
			errs = append(errs, errors.New("store.driver redis requires redis.url or redis.host"))
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.driver postgres requires store.databaseUrl"))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.driver sqlite requires store.sqlitePath"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Assignments.CacheTTL <= 0 {
		errs = append(errs, errors.New("assignments.cacheTTL must be positive"))
	}
	switch c.Assignments.Mode {
	case "", "greedy", "exhaustive":
	default:
		errs = append(errs, fmt.Errorf("unknown assignments.mode %q", c.Assignments.Mode))
	}
	switch c.Auth.Mode {
	case "none", "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.mode hmac requires auth.hmacSecret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.mode %q", c.Auth.Mode))
	}
	switch c.Broker.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Configured() {
			errs = append(errs, errors.New("broker.driver redis requires redis.url or redis.host"))
		}
	case "nats":
		if c.Broker.NATSURL == "" {
			errs = append(errs, errors.New("broker.driver nats requires broker.natsUrl"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker.driver %q", c.Broker.Driver))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rateLimit.rps must not be negative"))
	}
	if _, err := c.RateLimit.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.Webhooks.MaxAttempts <= 0 {
		errs = append(errs, errors.New("webhooks.maxAttempts must be positive"))
	}
	if c.Webhooks.PollInterval <= 0 {
		errs = append(errs, errors.New("webhooks.pollInterval must be positive"))
	}
	return errors.Join(errs...)
}
