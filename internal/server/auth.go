package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// SessionTokenConfig configures the HS256 session token manager.
type SessionTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionTokens issues and validates the bearer tokens that tie a request
// to a user id, which is what makes owner-only presence writes enforceable.
type SessionTokens struct {
	config SessionTokenConfig
	clock  func() time.Time
}

// NewSessionTokens constructs a SessionTokens manager with sane defaults.
func NewSessionTokens(cfg SessionTokenConfig) *SessionTokens {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &SessionTokens{config: cfg, clock: cfg.Clock}
}

// IssueSessionToken produces a signed JWT and its expiry (seconds) for the user.
func (s *SessionTokens) IssueSessionToken(userID string) (string, int64, error) {
	if len(s.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.config.TokenTTL)

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.config.Issuer,
		Audience:  []string{s.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the token is well formed and returns the user id.
func (s *SessionTokens) ValidateToken(tokenString string) (string, error) {
	if len(s.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return s.config.SigningSecret, nil
		},
		jwt.WithAudience(s.config.Audience),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
