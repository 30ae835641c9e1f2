package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailure covers a bad signature, a malformed token and an expired one.
var ErrAuthFailure = errors.New("authentication failed")

type (
	Verifier interface {
		Verify(ctx context.Context, token string) (identity string, err error)
	}

	Claims struct {
		ID string `json:"id"`
		jwt.RegisteredClaims
	}

	// TokenManager issues and verifies HS256 session tokens signed with a
	// shared secret.
	TokenManager struct {
		secret []byte
		ttl    time.Duration
		now    func() time.Time
	}
)

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (m *TokenManager) Issue(identity string) (string, error) {
	now := m.now()
	claims := Claims{
		ID: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func (m *TokenManager) Verify(ctx context.Context, token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: token carries no identity", ErrAuthFailure)
	}
	return claims.ID, nil
}
