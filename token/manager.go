// Package token issues the opaque session grant value handed back after a
// fully verified login. Cookie/session mechanics belong to the consuming
// application; this package only mints the signed value it stores.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTTL = 12 * time.Hour

// Config for the session token manager.
type Config struct {
	// SigningKey is the HMAC-SHA256 key. Required, minimum 32 bytes.
	SigningKey []byte
	// TTL bounds token lifetime. Defaults to 12h.
	TTL time.Duration
	// Issuer is recorded in the iss claim.
	Issuer string
}

var (
	ErrKeyTooShort = errors.New("session token signing key must be at least 32 bytes")
)

// Claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"org,omitempty"`
}

// Manager signs session tokens. Safe for concurrent use.
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, ErrKeyTooShort
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Manager{cfg: cfg}, nil
}

// Issue mints a signed token for the subject. The jti is a fresh UUID so
// individual grants stay distinguishable in downstream logs.
func (m *Manager) Issue(_ context.Context, subjectID, tenantID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
		TenantID: tenantID,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.SigningKey)
}

// Parse validates a token's signature and expiry and returns its claims.
func (m *Manager) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.cfg.SigningKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}
