package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/dskow/cms-edge/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-hmac-256"

func makeToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"iss":   "test-issuer",
		"aud":   "test-audience",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "content:write cache:purge",
	}
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled:   true,
		JWTSecret: testSecret,
		Issuer:    "test-issuer",
		Audience:  "test-audience",
		Scopes:    []string{"content:write"},
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	cfg := testAuthConfig()
	logger := slog.Default()

	token := makeToken(t, validClaims())

	var capturedClaims *Claims
	handler := Middleware(cfg, Always, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedClaims, _ = ClaimsFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("POST", "/content/articles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if capturedClaims == nil {
		t.Fatal("expected claims in context")
	}
	if capturedClaims.Subject != "user-123" {
		t.Errorf("expected sub user-123, got %q", capturedClaims.Subject)
	}
	if len(capturedClaims.Scopes) != 2 {
		t.Errorf("expected 2 scopes, got %d", len(capturedClaims.Scopes))
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	cfg := testAuthConfig()
	logger := slog.Default()

	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token := makeToken(t, claims)

	handler := Middleware(cfg, Always, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("POST", "/content/articles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_WrongAudience(t *testing.T) {
	cfg := testAuthConfig()
	logger := slog.Default()

	claims := validClaims()
	claims["aud"] = "wrong-audience"
	token := makeToken(t, claims)

	handler := Middleware(cfg, Always, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("POST", "/content/articles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_WrongIssuer(t *testing.T) {
	cfg := testAuthConfig()
	logger := slog.Default()

	claims := validClaims()
	claims["iss"] = "wrong-issuer"
	token := makeToken(t, claims)

	handler := Middleware(cfg, Always, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("POST", "/content/articles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_MissingScopes(t *testing.T) {
	cfg := testAuthConfig()
	logger := slog.Default()

	claims := validClaims()
	claims["scope"] = "content:read" // missing "content:write"
	token := makeToken(t, claims)

	handler := Middleware(cfg, Always, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("POST", "/content/articles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestMiddleware_MalformedToken(t *testing.T) {
	cfg := testAuthConfig()
	logger := slog.Default()

	handler := Middleware(cfg, Always, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"no bearer prefix", "Token abc123"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not.a.valid.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/content/articles", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestMiddleware_AuthNotRequired(t *testing.T) {
	cfg := testAuthConfig()
	logger := slog.Default()

	handler := Middleware(cfg, func(*http.Request) bool { return false }, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("GET", "/content/articles", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_AuthDisabled(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Enabled = false
	logger := slog.Default()

	handler := Middleware(cfg, Always, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("POST", "/content/articles", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_WrongSigningMethod(t *testing.T) {
	cfg := testAuthConfig()
	logger := slog.Default()

	// Create a token signed with HS384 instead of HS256
	claims := validClaims()
	token := jwt.NewWithClaims(jwt.SigningMethodHS384, claims)
	tokenStr, _ := token.SignedString([]byte(testSecret))

	handler := Middleware(cfg, Always, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest("POST", "/content/articles", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_ErrorCodes(t *testing.T) {
	cfg := testAuthConfig()
	handler := Middleware(cfg, Always, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	noScope := validClaims()
	noScope["scope"] = "content:read"

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, "EDGE_AUTH_MISSING_TOKEN"},
		{"invalid", "Bearer not.a.jwt", http.StatusUnauthorized, "EDGE_AUTH_INVALID_TOKEN"},
		{"scope", "Bearer " + makeToken(t, noScope), http.StatusForbidden, "EDGE_AUTH_INSUFFICIENT_SCOPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/webhooks/cms", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			var body struct {
				ErrorCode string `json:"error_code"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.ErrorCode != tt.code {
				t.Errorf("expected %s, got %s", tt.code, body.ErrorCode)
			}
		})
	}
}

func TestWrites(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{http.MethodGet, false},
		{http.MethodHead, false},
		{http.MethodOptions, false},
		{http.MethodPost, true},
		{http.MethodPut, true},
		{http.MethodDelete, true},
	}
	for _, tt := range tests {
		if got := Writes(httptest.NewRequest(tt.method, "/content/pages/home", nil)); got != tt.want {
			t.Errorf("Writes(%s) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestMiddleware_ReadsPassWithWrites(t *testing.T) {
	handler := Middleware(testAuthConfig(), Writes, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/content/pages/home", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected anonymous GET to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("DELETE", "/content/pages/home", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected anonymous DELETE to be rejected, got %d", rec.Code)
	}
}
