package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pond-gateway/internal/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	return NewManager(config.AuthConfig{
		JWTSecret:     "test-secret",
		JWTExpiration: 60,
		APIKeys:       []string{"key-1", "key-2"},
		Users: []config.User{
			{Username: "alice", PasswordHash: hash, Role: RoleAdmin},
			{Username: "bob", PasswordHash: hash, Role: "viewer"},
		},
	})
}

func TestJWT_RoundTrip(t *testing.T) {
	m := testManager(t)
	token, err := m.GenerateJWT("alice", RoleAdmin)
	require.NoError(t, err)

	claims, err := m.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestJWT_Expired(t *testing.T) {
	m := testManager(t)
	token, err := m.GenerateJWT("alice", RoleAdmin)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.ValidateJWT(token)
	assert.Error(t, err)
}

func TestJWT_WrongSecret(t *testing.T) {
	token, err := testManager(t).GenerateJWT("alice", RoleAdmin)
	require.NoError(t, err)

	other := NewManager(config.AuthConfig{JWTSecret: "other", JWTExpiration: 60})
	_, err = other.ValidateJWT(token)
	assert.Error(t, err)
}

func TestJWT_NoSecret(t *testing.T) {
	m := NewManager(config.AuthConfig{})
	_, err := m.GenerateJWT("alice", RoleAdmin)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestAuthenticateUser(t *testing.T) {
	m := testManager(t)

	role, err := m.AuthenticateUser("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	_, err = m.AuthenticateUser("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = m.AuthenticateUser("mallory", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAPIKeyMiddleware(t *testing.T) {
	m := testManager(t)
	h := m.APIKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		key  string
		want int
	}{
		{"", http.StatusUnauthorized},
		{"nope", http.StatusUnauthorized},
		{"key-2", http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/data", nil)
		if tt.key != "" {
			req.Header.Set("X-API-Key", tt.key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, tt.key)
	}
}

func TestJWTMiddlewareAndRole(t *testing.T) {
	m := testManager(t)
	var seen string
	h := m.JWTMiddleware(RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		seen = claims.Username
		w.WriteHeader(http.StatusNoContent)
	})))

	admin, err := m.GenerateJWT("alice", RoleAdmin)
	require.NoError(t, err)
	viewer, err := m.GenerateJWT("bob", "viewer")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad scheme", "Token " + admin, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"viewer", "Bearer " + viewer, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/ml/train", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "alice", seen)
}
