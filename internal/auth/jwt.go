// Package auth issues and checks the credentials used by the catalog API:
// session tokens, email-verification tokens, password hashes and
// verification codes.
//
// TWO TOKEN PURPOSES, ONE IMPLEMENTATION:
// Session tokens and verification tokens are both HS256 JWTs, but every
// TokenService is bound to a single audience. A verification token presented
// to the session service fails the audience check (and vice versa), so a
// token can never be used outside the purpose it was issued for.
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Payload: {"iss":"bot-catalog","aud":["session"],"sub":"<userID>","jti":"<uuid>","exp":...}
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "bot-catalog"

	// AudienceSession marks caller-identity tokens returned by login.
	AudienceSession = "session"
	// AudienceVerification marks single-purpose email verification tokens.
	AudienceVerification = "email-verification"

	// DefaultVerificationTTL is how long a verification link stays valid.
	DefaultVerificationTTL = 15 * time.Minute
	// DefaultSessionTTL is how long a login stays valid.
	DefaultSessionTTL = 24 * time.Hour
)

var (
	// ErrTokenExpired is returned by Validate for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid covers every other rejection: bad signature, wrong
	// audience, wrong algorithm, missing claims, garbage input.
	ErrTokenInvalid = errors.New("auth: invalid token")
)

// TokenService handles JWT creation and validation for one audience.
type TokenService struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenService creates a TokenService.
// The secret must be at least 16 characters; ttl must be positive.
func NewTokenService(secret, audience string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if audience == "" {
		return nil, errors.New("auth: token audience is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token lifetime must be positive")
	}
	return &TokenService{
		secret:   []byte(secret),
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Claims is what a validated token proves.
type Claims struct {
	Subject   string
	TokenID   string
	ExpiresAt time.Time
}

// TTL returns the lifetime of tokens issued by this service.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Generate creates and signs a token for subject with a fresh random token id.
func (s *TokenService) Generate(subject string) (string, error) {
	return s.sign(subject, uuid.NewString(), s.ttl)
}

// GenerateWithID signs a token carrying a caller-chosen token id (jti).
// Verification tokens use this so the store can remember which token is live.
func (s *TokenService) GenerateWithID(subject, tokenID string) (string, error) {
	if tokenID == "" {
		return "", errors.New("auth: token id is required")
	}
	return s.sign(subject, tokenID, s.ttl)
}

// GenerateWithDuration creates a token with a custom expiry duration.
// A negative duration yields an already-expired token.
func (s *TokenService) GenerateWithDuration(subject string, d time.Duration) (string, error) {
	return s.sign(subject, uuid.NewString(), d)
}

func (s *TokenService) sign(subject, tokenID string, d time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("auth: token subject is required")
	}
	now := s.now()

	c := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.audience},
		ID:        tokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(d)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a JWT string.
//
// VALIDATION CHECKS:
//   - signature is valid and the algorithm is HS256
//   - issuer is bot-catalog and the audience is this service's audience
//   - exp is present and in the future
//   - sub and jti are non-empty
//
// The result is ErrTokenExpired, ErrTokenInvalid (possibly wrapped), or the claims.
func (s *TokenService) Validate(tokenStr string) (*Claims, error) {
	c := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		c,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || c.Subject == "" || c.ID == "" || c.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing claims", ErrTokenInvalid)
	}

	return &Claims{
		Subject:   c.Subject,
		TokenID:   c.ID,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
