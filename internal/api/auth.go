package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultTokenCacheSize bounds the number of verified tokens kept in memory.
	DefaultTokenCacheSize = 10000

	// DefaultTokenCacheTTL bounds how long a verified token skips signature checks.
	DefaultTokenCacheTTL = time.Minute
)

var (
	// ErrMissingToken is returned when a request carries no access token.
	ErrMissingToken = errors.New("missing access token")

	// ErrInvalidToken is returned when a JWT token is invalid.
	ErrInvalidToken = errors.New("invalid access token")
)

// Claims represents the claims of a Supabase-issued access token.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig configures token verification.
type AuthConfig struct {
	JWTSecret  string
	Audience   string
	CookieName string
	CacheSize  int
	CacheTTL   time.Duration
}

type cachedToken struct {
	userID    string
	expiresAt time.Time
	cachedAt  time.Time
}

// Verifier validates access tokens and caches the results.
type Verifier struct {
	secret     []byte
	audience   string
	cookieName string
	cacheTTL   time.Duration
	cache      *lru.Cache[string, cachedToken]
	now        func() time.Time
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultTokenCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultTokenCacheTTL
	}

	cache, err := lru.New[string, cachedToken](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}

	return &Verifier{
		secret:     []byte(cfg.JWTSecret),
		audience:   cfg.Audience,
		cookieName: cfg.CookieName,
		cacheTTL:   cfg.CacheTTL,
		cache:      cache,
		now:        time.Now,
	}, nil
}

// Authenticate returns the user id carried by the request's access token.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	token, err := v.extractToken(r)
	if err != nil {
		return "", err
	}
	return v.Verify(token)
}

// Verify validates a token and returns its subject.
func (v *Verifier) Verify(tokenString string) (string, error) {
	now := v.now()

	if cached, ok := v.cache.Get(tokenString); ok {
		if now.Before(cached.expiresAt) && now.Sub(cached.cachedAt) < v.cacheTTL {
			return cached.userID, nil
		}
		v.cache.Remove(tokenString)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}

	v.cache.Add(tokenString, cachedToken{
		userID:    claims.Subject,
		expiresAt: claims.ExpiresAt.Time,
		cachedAt:  now,
	})

	return claims.Subject, nil
}

// extractToken reads the bearer header first and falls back to the session cookie.
func (v *Verifier) extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", ErrInvalidToken
		}
		return parts[1], nil
	}

	if v.cookieName != "" {
		if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
			return cookie.Value, nil
		}
	}

	return "", ErrMissingToken
}
