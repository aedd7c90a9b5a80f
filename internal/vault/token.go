// Package vault stores per-user calendar credentials and runs the
// browser-redirect authorization flow that populates it. Session
// identity is an HS256 JWT minted here; the credential payloads
// themselves live in a TTL key-value store.
package vault

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer is the iss claim on every session token.
const tokenIssuer = "calagent"

// SessionClaims are the claims carried by a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// UserID returns the subject the token was issued for.
func (c *SessionClaims) UserID() string { return c.Subject }

// TokenService mints and verifies session tokens.
type TokenService struct {
	secret []byte
	expiry time.Duration
}

// NewTokenService builds a token service. expiry bounds every issued
// token's lifetime.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiry: expiry}
}

// Issue signs a session token for the given user id.
func (s *TokenService) Issue(userID string) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("token secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id required")
	}

	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a session token. Any defect, malformed
// input, a bad signature, expiry, a missing subject, yields (nil,
// false); verification never propagates parse errors to callers.
func (s *TokenService) Verify(token string) (*SessionClaims, bool) {
	if len(s.secret) == 0 || token == "" {
		return nil, false
	}

	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, false
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, false
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, false
	}
	return claims, true
}
