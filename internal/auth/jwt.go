package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"reliefsync/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type contextKey string

const identityKey contextKey = "identity"

const defaultSecret = "default-secret-key-change-in-production"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")
)

// Claims carried by access tokens
type Claims struct {
	Email string     `json:"email"`
	Role  model.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTConfig issues and verifies access tokens
type JWTConfig struct {
	SecretKey []byte
	TTL       time.Duration
	revoked   *expirable.LRU[string, struct{}]
}

// NewJWTConfig creates a new JWT config
func NewJWTConfig(secretKey string, ttl time.Duration) *JWTConfig {
	if secretKey == "" {
		secretKey = defaultSecret // Default for development
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTConfig{
		SecretKey: []byte(secretKey),
		TTL:       ttl,
		// Entries outlive the tokens they revoke
		revoked: expirable.NewLRU[string, struct{}](10000, nil, ttl),
	}
}

// Issue signs a token for the user
func (c *JWTConfig) Issue(userID, email string, role model.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.TTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.SecretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Parse verifies a token and returns its claims
func (c *JWTConfig) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.SecretKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if _, ok := c.revoked.Get(claims.ID); ok {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Identify verifies a token and returns the identity it carries
func (c *JWTConfig) Identify(tokenString string) (model.Identity, error) {
	claims, err := c.Parse(tokenString)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
		Token:  tokenString,
	}, nil
}

// Revoke denies a token until it would have expired
func (c *JWTConfig) Revoke(tokenString string) error {
	claims, err := c.Parse(tokenString)
	if err != nil {
		return err
	}
	c.revoked.Add(claims.ID, struct{}{})
	return nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or the
// token query parameter (browsers cannot set headers on websocket upgrades)
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware resolves the caller identity. Requests without a token pass through
// anonymously; requests with an invalid token are rejected.
func (c *JWTConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasHeader := r.Header.Get("Authorization") != ""
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			if hasHeader {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Invalid authorization header")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		identity, err := c.Identify(tokenString)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireAuth rejects anonymous requests
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFrom(r.Context()); !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireStaff rejects callers without the staff role
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}
		if !id.IsStaff() {
			writeAuthError(w, http.StatusForbidden, "forbidden", "Staff role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithIdentity stores the identity in the context
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the identity from context
func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"code":    code,
		"message": message,
	})
}
