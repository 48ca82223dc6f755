package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/telhawk-systems/courier/common/clock"
)

// Claims identifies the sending app and device to the backend.
type Claims struct {
	AppID    string `json:"app_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenSigner mints short-lived HS256 bearer tokens and reuses each one until
// it is close to expiry.
type TokenSigner struct {
	secret   []byte
	appID    string
	deviceID string
	ttl      time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewTokenSigner returns a signer. ttl defaults to 15 minutes.
func NewTokenSigner(secret, appID, deviceID string, ttl time.Duration, clk clock.Clock) (*TokenSigner, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenSigner{
		secret:   []byte(secret),
		appID:    appID,
		deviceID: deviceID,
		ttl:      ttl,
		clock:    clk,
	}, nil
}

// Token returns a valid token, minting a new one when the cached token has
// less than a fifth of its lifetime left.
func (s *TokenSigner) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.cached != "" && now.Before(s.expires.Add(-s.ttl/5)) {
		return s.cached, nil
	}

	expires := now.Add(s.ttl)
	claims := Claims{
		AppID:    s.appID,
		DeviceID: s.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   s.deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.cached = signed
	s.expires = expires
	return signed, nil
}

// ParseToken validates token against secret and returns its claims.
func ParseToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
