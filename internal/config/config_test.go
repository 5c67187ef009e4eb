package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalUpstream = `
upstream:
  base_url: "http://localhost:1337/api/"
`

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalUpstream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerSecond != 100 {
		t.Errorf("expected default rps 100, got %f", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.BurstSize != 50 {
		t.Errorf("expected default burst 50, got %d", cfg.RateLimit.BurstSize)
	}
	if cfg.Server.MaxBodyBytes != 1048576 {
		t.Errorf("expected default max_body_bytes 1048576, got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Upstream.BaseURL != "http://localhost:1337/api" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Timeout != 30*time.Second {
		t.Errorf("expected default upstream timeout 30s, got %v", cfg.Upstream.Timeout)
	}
	if cfg.Upstream.HealthPath != "/api/health" {
		t.Errorf("expected default health path, got %q", cfg.Upstream.HealthPath)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialDelay != time.Second || cfg.Retry.BackoffFactor != 2 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Cache.MaxEntries != 100 || cfg.Cache.DefaultTTL != 5*time.Minute || cfg.Cache.KeyPrefix != "api-cache:" {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if !cfg.Cache.IsEnabled() {
		t.Error("expected cache enabled by default")
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 || cfg.CircuitBreaker.ResetTimeout != 30*time.Second {
		t.Errorf("unexpected breaker defaults: %+v", cfg.CircuitBreaker)
	}
	if cfg.Batch.MaxBatchSize != 5 || cfg.Batch.MaxDelay != 50*time.Millisecond || cfg.Batch.Endpoint != "/api/batch" {
		t.Errorf("unexpected batch defaults: %+v", cfg.Batch)
	}
	if !cfg.Network.IsEnabled() || cfg.Network.ProbeInterval != 30*time.Second {
		t.Errorf("unexpected network defaults: %+v", cfg.Network)
	}
	if cfg.Telemetry.BufferSize != 500 || cfg.Telemetry.BatchSize != 100 {
		t.Errorf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
	if cfg.Edge.BatchMaxItems != 50 || cfg.Edge.FanoutConcurrency != 8 {
		t.Errorf("unexpected edge defaults: %+v", cfg.Edge)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadFromBytes_FullConfig(t *testing.T) {
	yaml := []byte(`
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 20s
  shutdown_timeout: 5s
  trusted_proxies: ["10.0.0.0/8"]
  max_body_bytes: 2097152
  cors:
    allowed_origins: ["https://www.example.com"]
rate_limit:
  requests_per_second: 200
  burst_size: 100
  routes:
    - path_prefix: "/api/batch"
      requests_per_second: 10
      burst_size: 5
auth:
  enabled: true
  jwt_secret: "test-secret"
  issuer: "test-issuer"
  audience: "test-audience"
  scopes: ["content:write"]
upstream:
  base_url: "https://cms.example.com/api"
  token: "cms-token"
  timeout: 5s
  requests_per_second: 20
retry:
  max_attempts: 4
  initial_delay: 200ms
  max_delay: 2s
  retryable_statuses: [503]
cache:
  max_entries: 500
  shared:
    enabled: true
    url: "redis://:pw@redis:6379/1"
batch:
  enabled: true
  max_batch_size: 10
content:
  rules:
    - prefix: "/pages"
      class: static
    - prefix: "/articles"
      class: list
edge:
  micro_cache:
    enabled: true
    life_window: 2s
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("expected jwt_secret 'test-secret', got %q", cfg.Auth.JWTSecret)
	}
	if len(cfg.RateLimit.Routes) != 1 || cfg.RateLimit.Routes[0].BurstSize != 5 {
		t.Errorf("unexpected rate limit routes: %+v", cfg.RateLimit.Routes)
	}
	if cfg.Upstream.Burst != 20 {
		t.Errorf("expected upstream burst defaulted to rps, got %d", cfg.Upstream.Burst)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.RetryableStatuses[0] != 503 {
		t.Errorf("unexpected retry: %+v", cfg.Retry)
	}
	if cfg.Cache.Shared.ReadTimeout != 500*time.Millisecond {
		t.Errorf("expected shared read timeout default, got %v", cfg.Cache.Shared.ReadTimeout)
	}
	if len(cfg.Content.Rules) != 2 || cfg.Content.Rules[1].Class != "list" {
		t.Errorf("unexpected content rules: %+v", cfg.Content.Rules)
	}
	if cfg.Edge.MicroCache.LifeWindow != 2*time.Second {
		t.Errorf("expected micro cache life 2s, got %v", cfg.Edge.MicroCache.LifeWindow)
	}
	if cfg.Server.MaxBodyBytes != 2097152 {
		t.Errorf("expected max_body_bytes 2097152, got %d", cfg.Server.MaxBodyBytes)
	}
}

func TestLoadFromBytes_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "env-secret-value")
	t.Setenv("TEST_CMS_TOKEN", "cms-token")

	yaml := []byte(`
auth:
  enabled: true
  jwt_secret: "${TEST_JWT_SECRET}"
  issuer: "iss"
  audience: "aud"
upstream:
  base_url: "http://localhost:1337/api"
  token: "${TEST_CMS_TOKEN}"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret-value" {
		t.Errorf("expected env var expansion, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Upstream.Token != "cms-token" {
		t.Errorf("expected token expansion, got %q", cfg.Upstream.Token)
	}
}

func TestLoadFromBytes_UnresolvedEnvVarWarning(t *testing.T) {
	os.Unsetenv("NONEXISTENT_SECRET")

	yaml := []byte(`
auth:
  enabled: true
  jwt_secret: "${NONEXISTENT_SECRET}"
  issuer: "iss"
  audience: "aud"
upstream:
  base_url: "http://localhost:1337/api"
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected warning about unresolved environment variable")
	}
}

func TestLoadFromBytes_AuthDisabledWarning(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalUpstream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "auth disabled") {
		t.Errorf("expected auth disabled warning, got %v", cfg.Warnings)
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing upstream",
			yaml:    `server: { port: 8080 }`,
			wantErr: "upstream.base_url",
		},
		{
			name: "invalid port",
			yaml: `
server:
  port: 99999
` + minimalUpstream,
			wantErr: "server.port",
		},
		{
			name: "upstream with file scheme",
			yaml: `
upstream:
  base_url: "file:///etc/passwd"
`,
			wantErr: "scheme must be http or https",
		},
		{
			name: "upstream with ftp scheme",
			yaml: `
upstream:
  base_url: "ftp://evil.com/data"
`,
			wantErr: "scheme must be http or https",
		},
		{
			name: "auth enabled without secret",
			yaml: `
auth:
  enabled: true
  issuer: "iss"
  audience: "aud"
` + minimalUpstream,
			wantErr: "auth.jwt_secret",
		},
		{
			name: "auth enabled without issuer",
			yaml: `
auth:
  enabled: true
  jwt_secret: "secret"
  audience: "aud"
` + minimalUpstream,
			wantErr: "auth.issuer",
		},
		{
			name: "auth enabled without audience",
			yaml: `
auth:
  enabled: true
  jwt_secret: "secret"
  issuer: "iss"
` + minimalUpstream,
			wantErr: "auth.audience",
		},
		{
			name: "negative max_body_bytes",
			yaml: `
server:
  max_body_bytes: -1
` + minimalUpstream,
			wantErr: "server.max_body_bytes",
		},
		{
			name: "invalid trusted proxy",
			yaml: `
server:
  trusted_proxies: ["not-a-cidr"]
` + minimalUpstream,
			wantErr: "server.trusted_proxies",
		},
		{
			name: "too many retry attempts",
			yaml: `
retry:
  max_attempts: 50
` + minimalUpstream,
			wantErr: "retry.max_attempts",
		},
		{
			name: "retry max below initial",
			yaml: `
retry:
  initial_delay: 5s
  max_delay: 1s
` + minimalUpstream,
			wantErr: "retry.max_delay",
		},
		{
			name: "invalid retryable status",
			yaml: `
retry:
  retryable_statuses: [42]
` + minimalUpstream,
			wantErr: "retry.retryable_statuses",
		},
		{
			name: "unknown content class",
			yaml: `
content:
  rules:
    - prefix: "/pages"
      class: forever
` + minimalUpstream,
			wantErr: "content.rules",
		},
		{
			name: "content prefix without slash",
			yaml: `
content:
  rules:
    - prefix: "pages"
      class: static
` + minimalUpstream,
			wantErr: "content.rules",
		},
		{
			name: "duplicate content prefix",
			yaml: `
content:
  rules:
    - prefix: "/pages"
      class: static
    - prefix: "/pages"
      class: list
` + minimalUpstream,
			wantErr: "duplicate prefix",
		},
		{
			name: "duplicate rate limit override",
			yaml: `
rate_limit:
  routes:
    - path_prefix: "/api/batch"
      requests_per_second: 1
      burst_size: 1
    - path_prefix: "/api/batch"
      requests_per_second: 2
      burst_size: 2
` + minimalUpstream,
			wantErr: "duplicate path_prefix",
		},
		{
			name: "shared cache without redis url",
			yaml: `
cache:
  shared:
    enabled: true
    url: "http://redis:6379"
` + minimalUpstream,
			wantErr: "cache.shared.url",
		},
		{
			name: "oversized batch",
			yaml: `
batch:
  max_batch_size: 1000
` + minimalUpstream,
			wantErr: "batch.max_batch_size",
		},
		{
			name: "telemetry without endpoint",
			yaml: `
telemetry:
  enabled: true
` + minimalUpstream,
			wantErr: "telemetry.endpoint",
		},
		{
			name: "admin without allowlist",
			yaml: `
admin:
  enabled: true
` + minimalUpstream,
			wantErr: "admin.ip_allowlist",
		},
		{
			name: "invalid log level",
			yaml: `
logging:
  level: loud
` + minimalUpstream,
			wantErr: "logging.level",
		},
		{
			name: "probe timeout above interval",
			yaml: `
network:
  probe_interval: 1s
  probe_timeout: 2s
` + minimalUpstream,
			wantErr: "network.probe_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromBytes_UpstreamSchemeAccepted(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{"http", "http://localhost:1337/api"},
		{"https", "https://cms.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := []byte(`
upstream:
  base_url: "` + tt.baseURL + `"
`)
			_, err := LoadFromBytes(yaml)
			if err != nil {
				t.Errorf("expected %s upstream to be accepted, got: %v", tt.name, err)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	content := `
upstream:
  base_url: "http://localhost:4000/api"
content:
  rules:
    - prefix: "/test"
      class: static
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Content.Rules[0].Prefix != "/test" {
		t.Errorf("expected /test, got %q", cfg.Content.Rules[0].Prefix)
	}
}

func TestServerConfig_GlobalTimeout(t *testing.T) {
	s := ServerConfig{GlobalTimeoutMs: 5000}
	if s.GlobalTimeout().Milliseconds() != 5000 {
		t.Errorf("expected 5000ms, got %dms", s.GlobalTimeout().Milliseconds())
	}

	s2 := ServerConfig{}
	if s2.GlobalTimeout() != 0 {
		t.Errorf("expected disabled global timeout, got %v", s2.GlobalTimeout())
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
auth:
  enabled: true
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
upstream:
  base_url: "http://localhost:1337/api"
  token: "cms-token"
cache:
  shared:
    enabled: true
    url: "redis://:hunter2@redis:6379/0"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := cfg.Redacted()
	if r.Auth.JWTSecret != "***" || r.Upstream.Token != "***" {
		t.Errorf("expected secrets redacted, got %q %q", r.Auth.JWTSecret, r.Upstream.Token)
	}
	if strings.Contains(r.Cache.Shared.URL, "hunter2") {
		t.Errorf("expected redis password redacted, got %q", r.Cache.Shared.URL)
	}
	if cfg.Auth.JWTSecret != "secret" {
		t.Error("Redacted must not modify the original")
	}
}
