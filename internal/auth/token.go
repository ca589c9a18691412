// Package auth checks bearer credentials. Signatures are verified by the
// issuer upstream; here only the claim shape and the expiry window are
// enforced.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

var (
	// ErrUnauthenticated is the umbrella error for any credential failure.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrMissingToken    = fmt.Errorf("%w: missing token", ErrUnauthenticated)
	ErrInvalidToken    = fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	ErrExpiredToken    = fmt.Errorf("%w: expired token", ErrUnauthenticated)
)

// Principal is the identity derived from a credential for one request.
type Principal struct {
	Subject   string
	ExpiresAt time.Time
}

type Validator struct {
	now    func() time.Time
	leeway time.Duration
	parser *jwt.Parser
	cache  *gocache.Cache
}

type Option func(*Validator)

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLeeway tolerates clock skew between issuer and server.
func WithLeeway(d time.Duration) Option {
	return func(v *Validator) { v.leeway = d }
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		now:    time.Now,
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
		cache:  gocache.New(gocache.NoExpiration, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate parses raw and returns its principal. Errors wrap ErrUnauthenticated.
func (v *Validator) Validate(_ context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrMissingToken
	}

	key := HashToken(raw)
	if cached, ok := v.cache.Get(key); ok {
		p := cached.(Principal)
		if err := v.checkExpiry(p); err != nil {
			v.cache.Delete(key)
			return Principal{}, err
		}
		return p, nil
	}

	var claims jwt.RegisteredClaims
	if _, _, err := v.parser.ParseUnverified(raw, &claims); err != nil {
		return Principal{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return Principal{}, ErrInvalidToken
	}

	p := Principal{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}
	if err := v.checkExpiry(p); err != nil {
		return Principal{}, err
	}
	v.cache.Set(key, p, p.ExpiresAt.Add(v.leeway).Sub(v.now()))
	return p, nil
}

func (v *Validator) checkExpiry(p Principal) error {
	if !v.now().Before(p.ExpiresAt.Add(v.leeway)) {
		return ErrExpiredToken
	}
	return nil
}

// IssueToken mints an HS256 token for development and tests.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
