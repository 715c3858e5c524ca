package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-storage/internal/platform/config"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/securestore"
)

const testSecret = "server-test-secret-0123456789abcdef"

func newStack(t *testing.T) *securestore.Stack {
	t.Helper()
	t.Cleanup(logger.SetOutput(&bytes.Buffer{}))
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Security.JWT.Enabled = true
	cfg.Security.JWT.Issuer = "issuer"
	cfg.Security.JWT.Audience = "app"
	cfg.Security.JWT.Secret = testSecret
	cfg.Security.RateLimit.MaxAttempts = 2

	s, err := securestore.Open(context.Background(), cfg, securestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func token(t *testing.T, secret string) string {
	t.Helper()
	s, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.RegisteredClaims{
		Issuer:    "issuer",
		Subject:   "user-9",
		Audience:  jwtlib.ClaimStrings{"app"},
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwtlib.NewNumericDate(time.Now()),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func do(r http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.RemoteAddr = "192.0.2.10:5000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthRoute(t *testing.T) {
	r := Router(newStack(t))
	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestVerifyCountsFailedAttempts(t *testing.T) {
	r := Router(newStack(t))
	bad := token(t, "wrong-secret-0123456789abcdefghijkl")

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/api/v1/auth/verify", bad).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/api/v1/auth/verify", bad).Code)

	w := do(r, http.MethodPost, "/api/v1/auth/verify", token(t, testSecret))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestVerifySuccess(t *testing.T) {
	r := Router(newStack(t))
	w := do(r, http.MethodPost, "/api/v1/auth/verify", token(t, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-9")
}

func TestCredentialStatus(t *testing.T) {
	s := newStack(t)
	r := Router(s)
	tok := token(t, testSecret)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/credential/status", "").Code)

	w := do(r, http.MethodGet, "/api/v1/credential/status", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stored":false`)

	require.NoError(t, s.Credential.StoreTokens(context.Background(), "access-secret", "refresh", time.Minute, "user-9"))
	w = do(r, http.MethodGet, "/api/v1/credential/status", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"needs_refresh":true`)
	assert.NotContains(t, w.Body.String(), "access-secret")
}

func TestMetricsAndMigrations(t *testing.T) {
	r := Router(newStack(t))
	tok := token(t, testSecret)

	w := do(r, http.MethodGet, "/api/v1/security/metrics", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "failedAuthentications")

	w = do(r, http.MethodGet, "/api/v1/migrations", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions":[]`)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := newStack(t)
	s.Config.Server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, s) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
