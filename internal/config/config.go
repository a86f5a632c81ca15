// Package config loads the gateway configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/org/vxlgateway/pkg/models"
	"gopkg.in/yaml.v3"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Auth modes for routes.
const (
	AuthRequired = "required"
	AuthOptional = "optional"
	AuthNone     = "none"
)

// DefaultResource is the rate-limit table entry used for unknown resources.
const DefaultResource = "default"

// Limit is one fixed-window budget.
type Limit struct {
	WindowMs int64 `yaml:"window_ms"`
	Max      int   `yaml:"max"`
}

// Window returns the window as a duration.
func (l Limit) Window() time.Duration { return time.Duration(l.WindowMs) * time.Millisecond }

// Upstream is an internal service the gateway forwards to.
type Upstream struct {
	URL       string `yaml:"url"`
	TimeoutMs int64  `yaml:"timeout_ms"`
}

// Timeout returns the per-request upstream timeout.
func (u Upstream) Timeout() time.Duration { return time.Duration(u.TimeoutMs) * time.Millisecond }

// Route maps a path prefix onto an upstream and the admission rules for it.
type Route struct {
	Prefix      string   `yaml:"prefix"`
	Upstream    string   `yaml:"upstream"`
	Resource    string   `yaml:"resource"`
	Auth        string   `yaml:"auth"`
	Permissions []string `yaml:"permissions"`
	// AnyPermission switches Permissions from all-of to any-of.
	AnyPermission bool `yaml:"any_permission"`
	StripPrefix   bool `yaml:"strip_prefix"`
}

// Breaker configures every per-upstream circuit breaker.
type Breaker struct {
	FailureThreshold   int   `yaml:"failure_threshold"`
	RecoveryTimeoutMs  int64 `yaml:"recovery_timeout_ms"`
	MonitoringPeriodMs int64 `yaml:"monitoring_period_ms"`
}

// Auth configures token verification and identity lookups.
type Auth struct {
	Issuer          string `yaml:"issuer"`
	TokenTTLMs      int64  `yaml:"token_ttl_ms"`
	LookupTimeoutMs int64  `yaml:"lookup_timeout_ms"`
	CacheTTLMs      int64  `yaml:"cache_ttl_ms"`
}

// Security configures request screening.
type Security struct {
	MaxBodyBytes        int64    `yaml:"max_body_bytes"`
	AllowedContentTypes []string `yaml:"allowed_content_types"`
}

// Config is the full gateway configuration.
type Config struct {
	ListenAddr        string `yaml:"listen_addr"`
	TLSCertFile       string `yaml:"tls_cert"`
	TLSKeyFile        string `yaml:"tls_key"`
	Environment       string `yaml:"environment"`
	LogLevel          string `yaml:"log_level"`
	DBUrl             string `yaml:"db_url"`
	MigrationsDir     string `yaml:"migrations_dir"`
	RedisURL          string `yaml:"redis_url"`
	Secret            string `yaml:"secret"`
	TrustForwardedFor bool   `yaml:"trust_forwarded_for"`

	Auth             Auth             `yaml:"auth"`
	RateLimits       map[string]Limit `yaml:"rate_limits"`
	Burst            Limit            `yaml:"burst"`
	CounterTimeoutMs int64            `yaml:"counter_timeout_ms"`
	Breaker          Breaker          `yaml:"breaker"`
	SlowRequestMs    int64            `yaml:"slow_request_ms"`

	Upstreams map[string]Upstream `yaml:"upstreams"`
	Routes    []Route             `yaml:"routes"`
	Security  Security            `yaml:"security"`
}

// Default returns a configuration with every default filled in.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		Environment:   EnvDevelopment,
		LogLevel:      "info",
		MigrationsDir: "migrations",
		Auth: Auth{
			Issuer:          "vxlgateway",
			TokenTTLMs:      int64(time.Hour / time.Millisecond),
			LookupTimeoutMs: 2000,
			CacheTTLMs:      30_000,
		},
		RateLimits: map[string]Limit{
			DefaultResource: {WindowMs: 15 * 60 * 1000, Max: 100},
		},
		Burst:            Limit{WindowMs: 1000, Max: 10},
		CounterTimeoutMs: 500,
		Breaker: Breaker{
			FailureThreshold:   5,
			RecoveryTimeoutMs:  30_000,
			MonitoringPeriodMs: 60_000,
		},
		SlowRequestMs: 1000,
		Upstreams:     map[string]Upstream{},
		Security: Security{
			MaxBodyBytes: 10 << 20,
			AllowedContentTypes: []string{
				"application/json",
				"application/x-www-form-urlencoded",
				"multipart/form-data",
				"text/plain",
				"application/xml",
				"text/xml",
			},
		},
	}
}

// Load reads path (a missing file is not an error), applies environment
// overrides through getenv and validates the result. found reports whether
// the file existed.
func Load(path string, getenv func(string) string) (cfg Config, found bool, err error) {
	cfg = Default()
	data, readErr := os.ReadFile(path)
	switch {
	case readErr == nil:
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, found, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !errors.Is(readErr, os.ErrNotExist):
		return cfg, false, fmt.Errorf("reading %s: %w", path, readErr)
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, found, err
	}
	cfg.fillDefaults()
	return cfg, found, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("GATEWAY_LISTEN_ADDR", &c.ListenAddr)
	str("DATABASE_URL", &c.DBUrl)
	str("REDIS_URL", &c.RedisURL)
	str("GATEWAY_SECRET", &c.Secret)
	str("GATEWAY_ENV", &c.Environment)
	str("GATEWAY_LOG_LEVEL", &c.LogLevel)

	var errs []error
	num := func(key string, dst *int64) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	threshold := int64(c.Breaker.FailureThreshold)
	num("BREAKER_FAILURE_THRESHOLD", &threshold)
	c.Breaker.FailureThreshold = int(threshold)
	num("BREAKER_RECOVERY_TIMEOUT_MS", &c.Breaker.RecoveryTimeoutMs)

	if c.Upstreams == nil {
		c.Upstreams = map[string]Upstream{}
	}
	for name, up := range c.Upstreams {
		key := envName(name)
		str("UPSTREAM_"+key+"_URL", &up.URL)
		num("UPSTREAM_"+key+"_TIMEOUT_MS", &up.TimeoutMs)
		c.Upstreams[name] = up
	}

	if c.RateLimits == nil {
		c.RateLimits = map[string]Limit{}
	}
	for res, lim := range c.RateLimits {
		key := envName(res)
		limitMax := int64(lim.Max)
		num("RATE_LIMIT_"+key+"_MAX", &limitMax)
		lim.Max = int(limitMax)
		num("RATE_LIMIT_"+key+"_WINDOW_MS", &lim.WindowMs)
		c.RateLimits[res] = lim
	}
	return errors.Join(errs...)
}

func (c *Config) fillDefaults() {
	def := Default()
	if _, ok := c.RateLimits[DefaultResource]; !ok {
		c.RateLimits[DefaultResource] = def.RateLimits[DefaultResource]
	}
	for name, up := range c.Upstreams {
		if up.TimeoutMs <= 0 {
			up.TimeoutMs = 10_000
			c.Upstreams[name] = up
		}
	}
	for i := range c.Routes {
		if c.Routes[i].Auth == "" {
			c.Routes[i].Auth = AuthRequired
		}
		if c.Routes[i].Resource == "" {
			c.Routes[i].Resource = DefaultResource
		}
	}
	if c.Security.MaxBodyBytes <= 0 {
		c.Security.MaxBodyBytes = def.Security.MaxBodyBytes
	}
	if len(c.Security.AllowedContentTypes) == 0 {
		c.Security.AllowedContentTypes = def.Security.AllowedContentTypes
	}
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	var errs []error
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		errs = append(errs, fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment))
	}
	if c.Environment == EnvProduction && len(c.Secret) < 32 {
		errs = append(errs, errors.New("secret must be at least 32 bytes in production"))
	}
	for res, lim := range c.RateLimits {
		if lim.WindowMs <= 0 || lim.Max <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: window_ms and max must be positive", res))
		}
	}
	if c.Burst.WindowMs <= 0 || c.Burst.Max <= 0 {
		errs = append(errs, errors.New("burst: window_ms and max must be positive"))
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.RecoveryTimeoutMs <= 0 {
		errs = append(errs, errors.New("breaker: failure_threshold and recovery_timeout_ms must be positive"))
	}
	for name, up := range c.Upstreams {
		if up.URL == "" {
			errs = append(errs, fmt.Errorf("upstreams.%s: url is required", name))
		}
	}
	for i, rt := range c.Routes {
		if !strings.HasPrefix(rt.Prefix, "/") {
			errs = append(errs, fmt.Errorf("routes[%d]: prefix must start with /", i))
		}
		if _, ok := c.Upstreams[rt.Upstream]; !ok {
			errs = append(errs, fmt.Errorf("routes[%d]: unknown upstream %q", i, rt.Upstream))
		}
		switch rt.Auth {
		case AuthRequired, AuthOptional, AuthNone:
		default:
			errs = append(errs, fmt.Errorf("routes[%d]: auth must be required, optional or none", i))
		}
		for _, perm := range rt.Permissions {
			if _, ok := models.ParsePermission(perm); !ok {
				errs = append(errs, fmt.Errorf("routes[%d]: permission %q must be resource:action", i, perm))
			}
		}
	}
	return errors.Join(errs...)
}

// LimitFor returns the base budget for resource, falling back to the default entry.
func (c Config) LimitFor(resource string) Limit {
	if l, ok := c.RateLimits[resource]; ok {
		return l
	}
	return c.RateLimits[DefaultResource]
}

// UpstreamNames returns the configured upstream names in sorted order.
func (c Config) UpstreamNames() []string {
	names := make([]string, 0, len(c.Upstreams))
	for n := range c.Upstreams {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsProduction reports whether internal error details must be hidden.
func (c Config) IsProduction() bool { return c.Environment == EnvProduction }

func (c Config) CounterTimeout() time.Duration {
	return time.Duration(c.CounterTimeoutMs) * time.Millisecond
}

func (c Config) SlowRequestThreshold() time.Duration {
	return time.Duration(c.SlowRequestMs) * time.Millisecond
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}
