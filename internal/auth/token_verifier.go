package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix    = "Bearer "
	tokenQueryParam = "token"
)

var (
	ErrMissingVerifierSecret = errors.New("token verifier: signing secret required")
	ErrMissingToken          = errors.New("token verifier: token required")
	ErrInvalidToken          = errors.New("token verifier: invalid token")
	ErrExpiredToken          = errors.New("token verifier: token expired")
	ErrMissingTokenSubject   = errors.New("token verifier: subject required")
)

// Claims is what the gateway binds to a connection after a successful handshake.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// TokenVerifierConfig describes how to validate bearer tokens.
type TokenVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// TokenVerifier validates HS256 bearer tokens. Issuer and audience are only
// enforced when configured.
type TokenVerifier struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewTokenVerifier constructs a verifier with the provided configuration.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingVerifierSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// VerifyToken checks signature and expiry and returns the token's claims.
func (v *TokenVerifier) VerifyToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %w", ErrExpiredToken, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Claims{}, ErrMissingTokenSubject
	}

	result := Claims{Subject: subject}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

// VerifyRequest extracts the handshake credential from the Authorization header,
// falling back to the token query parameter, and verifies it.
func (v *TokenVerifier) VerifyRequest(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingToken
	}
	return v.VerifyToken(TokenFromRequest(r))
}

// TokenFromRequest returns the raw bearer credential carried by r, or "".
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}
