package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
upstream:
  base_url: "http://localhost:1337/api"
`))
	f.Add([]byte(`
server:
  port: 9090
auth:
  enabled: true
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
upstream:
  base_url: "https://cms.example.com"
retry:
  max_attempts: 2
content:
  rules:
    - prefix: "/pages"
      class: static
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`upstream: {}`))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`upstream: { base_url: "ftp://x" }`))
	f.Add([]byte(`retry: { retryable_statuses: [0] }
upstream:
  base_url: "http://localhost"
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If parsing succeeded, verify invariants that validation should enforce.
		if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			t.Errorf("non-positive rps escaped validation: %f", cfg.RateLimit.RequestsPerSecond)
		}
		if cfg.Retry.MaxAttempts < 1 {
			t.Errorf("retry attempts escaped validation: %d", cfg.Retry.MaxAttempts)
		}
		if cfg.Upstream.BaseURL == "" {
			t.Error("empty upstream escaped validation")
		}
	})
}
