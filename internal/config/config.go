// Package config provides YAML configuration loading with validation and
// environment variable substitution for the CMS edge.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level edge configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Upstream       UpstreamConfig       `yaml:"upstream" json:"upstream"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Batch          BatchConfig          `yaml:"batch" json:"batch"`
	Network        NetworkConfig        `yaml:"network" json:"network"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" json:"telemetry"`
	Content        ContentConfig        `yaml:"content" json:"content"`
	Edge           EdgeConfig           `yaml:"edge" json:"edge"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"startswith=/"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies" validate:"dive,cidr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes" validate:"gte=0"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms" validate:"gte=0"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
	CORS            CORSConfig    `yaml:"cors" json:"cors"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// CORSConfig lists the browser origins allowed to call the edge. An empty
// list disables CORS headers.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	MaxAge         int      `yaml:"max_age" json:"max_age" validate:"gte=0"`
}

// LoggingConfig holds log output and debug settings.
type LoggingConfig struct {
	Level           string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"` // default: "info"
	Format          string `yaml:"format" json:"format" validate:"omitempty,oneof=json text"`        // default: "json"
	Output          string `yaml:"output" json:"output"`                                             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB       int    `yaml:"max_size_mb" json:"max_size_mb"`                                   // max log file size before rotation; default: 100
	MaxBackups      int    `yaml:"max_backups" json:"max_backups" validate:"gte=0"`                  // number of rotated files to keep; default: 3
	MaxAgeDays      int    `yaml:"max_age_days" json:"max_age_days" validate:"gte=0"`                // max days to retain rotated files; default: 30
	BodyLogging     bool   `yaml:"body_logging" json:"body_logging"`                                 // log request/response bodies; default: false
	MaxBodyLogBytes int    `yaml:"max_body_log_bytes" json:"max_body_log_bytes"`                     // max bytes of body to log; default: 4096
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`                                    // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist" validate:"dive,cidr"` // CIDR notation
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// RateLimitConfig holds the inbound per-client rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gt=0"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size" validate:"gt=0"`
	// Routes override the global limits for requests under a path prefix.
	Routes []RouteLimit `yaml:"routes" json:"routes,omitempty" validate:"dive"`
}

// RouteLimit is a per-prefix rate override.
type RouteLimit struct {
	PathPrefix        string  `yaml:"path_prefix" json:"path_prefix" validate:"required,startswith=/"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gt=0"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size" validate:"gt=0"`
}

// AuthConfig holds JWT authentication settings for write routes and
// webhooks.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// UpstreamConfig points the edge at the CMS API.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url" validate:"required,url"`
	Token   string        `yaml:"token" json:"token"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// RequestsPerSecond throttles outbound attempts; 0 disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" json:"burst" validate:"gte=0"`
	// HealthPath is probed by the network monitor, relative to the origin
	// of BaseURL; default: "/api/health".
	HealthPath string `yaml:"health_path" json:"health_path" validate:"startswith=/"`
}

// RetryConfig bounds upstream retries.
type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts" json:"max_attempts" validate:"min=1,max=10"`
	InitialDelay       time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay           time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor      float64       `yaml:"backoff_factor" json:"backoff_factor" validate:"gte=1"`
	RetryableStatuses  []int         `yaml:"retryable_statuses" json:"retryable_statuses,omitempty" validate:"dive,min=100,max=599"`
	RetryNetworkErrors *bool         `yaml:"retry_network_errors" json:"retry_network_errors,omitempty"`
}

// CacheConfig holds the in-process response cache and the optional shared
// tier.
type CacheConfig struct {
	Enabled         *bool             `yaml:"enabled" json:"enabled"`
	MaxEntries      int               `yaml:"max_entries" json:"max_entries" validate:"min=1"`
	DefaultTTL      time.Duration     `yaml:"default_ttl" json:"default_ttl"`
	CleanupInterval time.Duration     `yaml:"cleanup_interval" json:"cleanup_interval"`
	KeyPrefix       string            `yaml:"key_prefix" json:"key_prefix"`
	Shared          SharedCacheConfig `yaml:"shared" json:"shared"`
}

// IsEnabled reports whether GET responses are cached (defaults to true).
func (c CacheConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// SharedCacheConfig configures the redis tier shared between edges.
type SharedCacheConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	URL          string        `yaml:"url" json:"url"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size" validate:"gte=0"`
}

// CircuitBreakerConfig holds the breaker defaults applied to every upstream
// group.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=1"`
	FailureWindow    time.Duration `yaml:"failure_window" json:"failure_window"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenLimit    int           `yaml:"half_open_limit" json:"half_open_limit" validate:"min=1"`
}

// BatchConfig controls coalescing of upstream GETs into batch requests.
type BatchConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	MaxBatchSize int           `yaml:"max_batch_size" json:"max_batch_size" validate:"min=1,max=100"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Deduplicate  *bool         `yaml:"deduplicate" json:"deduplicate,omitempty"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint" validate:"startswith=/"`
}

// NetworkConfig controls the upstream reachability monitor.
type NetworkConfig struct {
	Enabled       *bool         `yaml:"enabled" json:"enabled"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// IsEnabled reports whether the network monitor runs (defaults to true).
func (n NetworkConfig) IsEnabled() bool {
	if n.Enabled == nil {
		return true
	}
	return *n.Enabled
}

// TelemetryConfig controls export of client events to a collector.
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Endpoint      string        `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	BufferSize    int           `yaml:"buffer_size" json:"buffer_size" validate:"gte=0"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size" validate:"gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// ContentConfig maps path prefixes to content classes, which select cache
// lifetimes.
type ContentConfig struct {
	Rules []ContentRule `yaml:"rules" json:"rules" validate:"dive"`
}

// ContentRule assigns Class to requests under Prefix.
type ContentRule struct {
	Prefix string `yaml:"prefix" json:"prefix" validate:"required,startswith=/"`
	Class  string `yaml:"class" json:"class" validate:"oneof=static list dynamic"`
}

// EdgeConfig tunes the public content and batch endpoints.
type EdgeConfig struct {
	BatchMaxItems     int              `yaml:"batch_max_items" json:"batch_max_items" validate:"min=1,max=500"`
	FanoutConcurrency int              `yaml:"fanout_concurrency" json:"fanout_concurrency" validate:"min=1"`
	AllowBatchWrites  bool             `yaml:"allow_batch_writes" json:"allow_batch_writes"`
	MicroCache        MicroCacheConfig `yaml:"micro_cache" json:"micro_cache"`
}

// MicroCacheConfig sizes the short-lived cache in front of batch items.
type MicroCacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	LifeWindow time.Duration `yaml:"life_window" json:"life_window"`
	MaxSizeMB  int           `yaml:"max_size_mb" json:"max_size_mb" validate:"gte=0"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return finish(cfg)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return finish(cfg)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	// TLS defaults
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}
	if cfg.Server.CORS.MaxAge == 0 {
		cfg.Server.CORS.MaxAge = 600
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	up := &cfg.Upstream
	up.BaseURL = strings.TrimRight(up.BaseURL, "/")
	if up.Timeout == 0 {
		up.Timeout = 30 * time.Second
	}
	if up.RequestsPerSecond > 0 && up.Burst == 0 {
		up.Burst = int(up.RequestsPerSecond)
		if up.Burst < 1 {
			up.Burst = 1
		}
	}
	if up.HealthPath == "" {
		up.HealthPath = "/api/health"
	}

	rt := &cfg.Retry
	if rt.MaxAttempts == 0 {
		rt.MaxAttempts = 3
	}
	if rt.InitialDelay == 0 {
		rt.InitialDelay = time.Second
	}
	if rt.MaxDelay == 0 {
		rt.MaxDelay = 10 * time.Second
	}
	if rt.BackoffFactor == 0 {
		rt.BackoffFactor = 2
	}

	c := &cfg.Cache
	if c.MaxEntries == 0 {
		c.MaxEntries = 100
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "api-cache:"
	}
	if c.Shared.Enabled {
		if c.Shared.DialTimeout == 0 {
			c.Shared.DialTimeout = 5 * time.Second
		}
		if c.Shared.ReadTimeout == 0 {
			c.Shared.ReadTimeout = 500 * time.Millisecond
		}
		if c.Shared.WriteTimeout == 0 {
			c.Shared.WriteTimeout = 500 * time.Millisecond
		}
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.FailureWindow == 0 {
		cb.FailureWindow = 60 * time.Second
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.HalfOpenLimit == 0 {
		cb.HalfOpenLimit = 3
	}

	b := &cfg.Batch
	if b.MaxBatchSize == 0 {
		b.MaxBatchSize = 5
	}
	if b.MaxDelay == 0 {
		b.MaxDelay = 50 * time.Millisecond
	}
	if b.Endpoint == "" {
		b.Endpoint = "/api/batch"
	}

	n := &cfg.Network
	if n.ProbeInterval == 0 {
		n.ProbeInterval = 30 * time.Second
	}
	if n.ProbeTimeout == 0 {
		n.ProbeTimeout = 5 * time.Second
	}

	tm := &cfg.Telemetry
	if tm.BufferSize == 0 {
		tm.BufferSize = 500
	}
	if tm.BatchSize == 0 {
		tm.BatchSize = 100
	}
	if tm.FlushInterval == 0 {
		tm.FlushInterval = 3 * time.Minute
	}

	e := &cfg.Edge
	if e.BatchMaxItems == 0 {
		e.BatchMaxItems = 50
	}
	if e.FanoutConcurrency == 0 {
		e.FanoutConcurrency = 8
	}
	if e.MicroCache.LifeWindow == 0 {
		e.MicroCache.LifeWindow = 5 * time.Second
	}
	if e.MicroCache.MaxSizeMB == 0 {
		e.MicroCache.MaxSizeMB = 64
	}
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML names so errors point at the config file.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// structErrors turns validator failures into "section.field" messages.
func structErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	rule := fe.Tag()
	if fe.Param() != "" {
		rule += "=" + fe.Param()
	}
	return fmt.Errorf("%s: invalid value %v (rule %s)", field, fe.Value(), rule)
}

func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return structErrors(err)
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url: host is required")
	}
	if cfg.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must be non-negative")
	}

	if cfg.Retry.InitialDelay < 0 || cfg.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.initial_delay")
	}

	if cfg.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if cfg.Cache.Shared.Enabled {
		su, err := url.Parse(cfg.Cache.Shared.URL)
		if err != nil || (su.Scheme != "redis" && su.Scheme != "rediss") || su.Host == "" {
			return fmt.Errorf("cache.shared.url must be a redis:// URL when the shared cache is enabled")
		}
	}

	// Circuit breaker validation
	cb := cfg.CircuitBreaker
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}
	if cb.FailureWindow <= 0 {
		return fmt.Errorf("circuit_breaker.failure_window must be positive")
	}

	if cfg.Batch.MaxDelay < 0 {
		return fmt.Errorf("batch.max_delay must be non-negative")
	}
	if cfg.Network.ProbeTimeout > cfg.Network.ProbeInterval {
		return fmt.Errorf("network.probe_timeout must not exceed network.probe_interval")
	}
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		if cfg.Telemetry.BatchSize > cfg.Telemetry.BufferSize {
			return fmt.Errorf("telemetry.batch_size must not exceed telemetry.buffer_size")
		}
	}
	if cfg.Edge.MicroCache.Enabled && cfg.Edge.MicroCache.LifeWindow < time.Second {
		return fmt.Errorf("edge.micro_cache.life_window must be at least 1s")
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Content.Rules {
		if seen[r.Prefix] {
			return fmt.Errorf("content.rules[%d]: duplicate prefix %s", i, r.Prefix)
		}
		seen[r.Prefix] = true
	}
	seen = make(map[string]bool)
	for i, r := range cfg.RateLimit.Routes {
		if seen[r.PathPrefix] {
			return fmt.Errorf("rate_limit.routes[%d]: duplicate path_prefix %s", i, r.PathPrefix)
		}
		seen[r.PathPrefix] = true
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	// Admin validation
	if cfg.Admin.Enabled && len(cfg.Admin.IPAllowlist) == 0 {
		return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if strings.Contains(cfg.Upstream.Token, "${") {
		warnings = append(warnings, "upstream.token contains unresolved environment variable")
	}
	if !cfg.Auth.Enabled {
		warnings = append(warnings, "auth disabled: content writes and webhooks are unauthenticated")
	}
	if cfg.Admin.Enabled {
		for _, cidr := range cfg.Admin.IPAllowlist {
			if _, n, err := net.ParseCIDR(cidr); err == nil {
				if ones, _ := n.Mask.Size(); ones == 0 {
					warnings = append(warnings, fmt.Sprintf("admin.ip_allowlist entry %s allows every address", cidr))
				}
			}
		}
	}
	return warnings
}

// Redacted returns a copy of cfg with credentials masked, suitable for the
// admin API.
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "***"
	}
	if out.Upstream.Token != "" {
		out.Upstream.Token = "***"
	}
	if out.Cache.Shared.URL != "" {
		if u, err := url.Parse(out.Cache.Shared.URL); err == nil && u.User != nil {
			u.User = url.User("***")
			out.Cache.Shared.URL = u.String()
		}
	}
	out.Warnings = nil
	return out
}
