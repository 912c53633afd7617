// Package auth provides the optional bearer-token priority hint described
// in SPEC_FULL.md §11. It is adapted from
// go-server/internal/auth's JWTManager: the token-generation and
// claims-validation shape is kept, but verification failure never rejects
// a connection — it only fails to elevate priority. Anonymous connections
// remain welcome at PriorityLow, per spec.md's Non-goal that downstream
// clients are never authenticated beyond TLS transport.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the bearer of a priority-elevation token.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Manager verifies bearer tokens presented on the downstream /ws upgrade.
// A nil or zero-value secret disables verification entirely (every
// connection is treated as anonymous/Low).
type Manager struct {
	secretKey []byte
}

// NewManager creates a Manager. An empty secret disables elevation.
func NewManager(secret string) *Manager {
	if secret == "" {
		return nil
	}
	return &Manager{secretKey: []byte(secret)}
}

// Generate creates a signed token for subject, valid for the given TTL.
// Used by operators to mint tokens for privileged consumers; the gateway
// itself never calls this at runtime.
func (m *Manager) Generate(subject string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates tokenString and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractToken pulls a bearer token from the Authorization header or, if
// absent, the "token" query parameter — both are accepted since browser
// WebSocket clients cannot set custom headers on the upgrade request.
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(header, prefix) {
			return strings.TrimPrefix(header, prefix)
		}
	}
	return r.URL.Query().Get("token")
}

// IsHighPriority reports whether the request carries a bearer token that
// verifies successfully. Any failure (missing token, bad signature,
// expired) simply returns false — never an error surfaced to the caller,
// since priority elevation is a hint, not a gate.
func (m *Manager) IsHighPriority(r *http.Request) bool {
	if m == nil {
		return false
	}
	token := ExtractToken(r)
	if token == "" {
		return false
	}
	_, err := m.Verify(token)
	return err == nil
}
