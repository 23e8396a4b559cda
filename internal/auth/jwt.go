// Package auth validates operator tokens for the pump command API.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator tokens are short-lived HS256 JWTs minted by the operator tooling.
// There are no refresh tokens; an expired token means minting a new one.

// DefaultTokenExpiry is used when IssueToken is given no ttl.
const DefaultTokenExpiry = 1 * time.Hour

// Scopes granted to operator tokens.
const (
	// ScopeRead allows status and history reads.
	ScopeRead = "pump:read"

	// ScopeCommand allows bolus and troubleshoot commands.
	ScopeCommand = "pump:command"

	// ScopeAdmin allows engaging and releasing command interlocks.
	ScopeAdmin = "pump:admin"
)

// Predefined token errors.
var (
	ErrInvalidToken   = errors.New("invalid operator token")
	ErrTokenExpired   = errors.New("operator token has expired")
	ErrMissingScope   = errors.New("operator token lacks required scope")
	ErrMissingSubject = errors.New("operator token has no subject")
)

// Claims represents the claims in an operator token.
type Claims struct {
	jwt.RegisteredClaims

	// Scopes lists the operations the operator may perform.
	Scopes []string `json:"scp"`
}

// Operator returns the operator identity.
func (c *Claims) Operator() string {
	return c.Subject
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// JWTService issues and validates operator tokens.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
	now        func() time.Time
}

// JWTConfig holds configuration for the JWT service.
type JWTConfig struct {
	// SigningKey is the secret key used to sign JWTs.
	SigningKey string

	// Issuer is the issuer claim for tokens (e.g., "pumpsync").
	Issuer string

	// Audience is the audience claim for tokens (e.g., "pumpsync-operators").
	Audience string
}

// NewJWTService creates a new JWT service.
func NewJWTService(cfg JWTConfig) *JWTService {
	return &JWTService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		now:        time.Now,
	}
}

// IssueToken creates a token for operator with the given scopes.
func (s *JWTService) IssueToken(operator string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	if operator == "" {
		return "", time.Time{}, ErrMissingSubject
	}
	if ttl <= 0 {
		ttl = DefaultTokenExpiry
	}
	now := s.now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   operator,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing operator token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates an operator token and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	return claims, nil
}

// generateTokenID generates a unique token ID.
func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
