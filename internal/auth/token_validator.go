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
	// DefaultIssuer is the issuer expected when none is configured.
	DefaultIssuer = "dashsync-auth"

	bearerPrefix     = "Bearer "
	accessTokenQuery = "access_token"
)

var (
	ErrMissingSigningKey = errors.New("token validator: signing key required")
	ErrMissingToken      = errors.New("token validator: token required")
	ErrInvalidToken      = errors.New("token validator: invalid token")
	ErrExpiredToken      = errors.New("token validator: token expired")
	ErrMissingSubject    = errors.New("token validator: subject required")
)

// OwnerClaims is the JWT payload accepted by the API. The subject is the dashboard owner id.
type OwnerClaims struct {
	jwt.RegisteredClaims
}

// OwnerID returns the owner bound to the token.
func (c OwnerClaims) OwnerID() string {
	return c.Subject
}

// TokenValidatorConfig describes how to validate externally issued HS256 tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 JWTs carried as bearer tokens.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (OwnerClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return OwnerClaims{}, ErrMissingToken
	}

	claims := &OwnerClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return OwnerClaims{}, ErrExpiredToken
		}
		return OwnerClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return OwnerClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return OwnerClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header, or from the
// access_token query parameter for websocket upgrades, and validates it.
func (v *TokenValidator) ValidateRequest(r *http.Request) (OwnerClaims, error) {
	if r == nil {
		return OwnerClaims{}, ErrMissingToken
	}
	return v.ValidateToken(TokenFromRequest(r))
}

// TokenFromRequest extracts the raw bearer token, if any.
func TokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return r.URL.Query().Get(accessTokenQuery)
}
