/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/satori/go.uuid"
)

// tokens are renewed this long before they expire
const tokenRefreshMargin = 30 * time.Second

// tokenSource supplies bearer tokens for outbound calls
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// JWTAuthenticator mints HS256 service tokens. The signing key is set up on first use and the token is
// cached until shortly before it expires.
type JWTAuthenticator struct {
	settings JWTSettings
	now      func() time.Time

	mu     sync.Mutex
	key    []byte
	token  string
	expiry time.Time
}

// NewJWTAuthenticator returns nil when no secret is configured
func NewJWTAuthenticator(settings JWTSettings) *JWTAuthenticator {
	if settings.Secret == "" {
		return nil
	}
	return &JWTAuthenticator{settings: settings, now: time.Now}
}

func (a *JWTAuthenticator) init() error {
	if a.key != nil {
		return nil
	}
	if a.settings.Secret == "" {
		return errors.New("jwt secret is not configured")
	}
	if a.settings.TTL <= tokenRefreshMargin {
		return errors.Errorf("jwt ttl %s must exceed %s", a.settings.TTL, tokenRefreshMargin)
	}
	a.key = []byte(a.settings.Secret)
	return nil
}

// Token returns a cached token or signs a new one
func (a *JWTAuthenticator) Token(_ context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return "", err
	}

	now := a.now()
	if a.token != "" && now.Add(tokenRefreshMargin).Before(a.expiry) {
		return a.token, nil
	}

	tokenID, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	expiry := now.Add(a.settings.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    a.settings.Issuer,
		Subject:   a.settings.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
		ID:        tokenID.String(),
	}
	if a.settings.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.settings.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign jwt")
	}
	a.token = signed
	a.expiry = expiry
	return signed, nil
}
