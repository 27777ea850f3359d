package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reliefsync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_IssueAndIdentify(t *testing.T) {
	cfg := NewJWTConfig("secret", time.Hour)
	token, err := cfg.Issue("u1", "a@example.org", model.RoleStaff)
	require.NoError(t, err)

	id, err := cfg.Identify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "a@example.org", id.Email)
	assert.True(t, id.IsStaff())
	assert.Equal(t, token, id.Token)
}

func TestJWT_WrongSecret(t *testing.T) {
	token, err := NewJWTConfig("one", time.Hour).Issue("u1", "a@example.org", model.RoleCitizen)
	require.NoError(t, err)

	_, err = NewJWTConfig("two", time.Hour).Identify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_Revoke(t *testing.T) {
	cfg := NewJWTConfig("secret", time.Hour)
	token, err := cfg.Issue("u1", "a@example.org", model.RoleCitizen)
	require.NoError(t, err)
	other, err := cfg.Issue("u1", "a@example.org", model.RoleCitizen)
	require.NoError(t, err)

	require.NoError(t, cfg.Revoke(token))
	_, err = cfg.Identify(token)
	assert.ErrorIs(t, err, ErrRevoked)

	// Tokens carry distinct ids; revoking one leaves the other valid
	_, err = cfg.Identify(other)
	assert.NoError(t, err)
}

func TestMiddleware(t *testing.T) {
	cfg := NewJWTConfig("secret", time.Hour)
	citizen, _ := cfg.Issue("c1", "c@example.org", model.RoleCitizen)
	staff, _ := cfg.Issue("s1", "s@example.org", model.RoleStaff)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		w.Write([]byte(id.UserID))
	})
	handler := cfg.Middleware(RequireStaff(ok))

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"anonymous", "", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
		{"malformed header", "Token abc", "", http.StatusUnauthorized},
		{"citizen", "Bearer " + citizen, "", http.StatusForbidden},
		{"staff", "Bearer " + staff, "", http.StatusOK},
		{"staff via query", "", "?token=" + staff, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRequireAuth(t *testing.T) {
	cfg := NewJWTConfig("secret", time.Hour)
	token, _ := cfg.Issue("c1", "c@example.org", model.RoleCitizen)
	handler := cfg.Middleware(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPassword(t *testing.T) {
	_, err := HashPassword("123")
	assert.Error(t, err)

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NoError(t, CheckPassword(hash, "correct horse"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong"), ErrInvalidCredentials)
}
