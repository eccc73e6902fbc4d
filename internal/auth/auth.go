// Package auth verifies the bearer tokens learners attach to a live init.
//
// Tokens are HS256-signed JWTs. The subject identifies the learner and ends
// up in the session logs; no other claim is interpreted.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a token is required but none was sent.
	ErrMissingToken = errors.New("auth: token is required")

	// ErrInvalidToken is returned for tokens that fail signature, algorithm,
	// issuer, audience or expiry checks.
	ErrInvalidToken = errors.New("auth: token is invalid")
)

// Config defines how tokens are verified.
type Config struct {
	// Secret is the shared HMAC key. Must not be empty.
	Secret []byte

	// Issuer, when set, must equal the token's iss claim.
	Issuer string

	// Audience, when set, must be contained in the token's aud claim.
	Audience string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Claims are the verified claims of a token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Verifier checks HS256 tokens against a [Config].
type Verifier struct {
	cfg    Config
	parser *jwt.Parser
}

// NewVerifier validates cfg and returns a [Verifier].
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: secret must not be empty")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses token and returns its claims. Every failure wraps
// [ErrMissingToken] or [ErrInvalidToken].
func (v *Verifier) Verify(_ context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	var parsed jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %s", ErrInvalidToken, reason(err))
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: sub is required", ErrInvalidToken)
	}
	return Claims{Subject: parsed.Subject, ExpiresAt: parsed.ExpiresAt.Time}, nil
}

// reason maps jwt errors to short client-safe descriptions.
func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token is expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token is not valid yet"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature is invalid"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "signing method is not accepted"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience mismatch"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "required claim missing"
	default:
		return "malformed token"
	}
}

// Issue signs an HS256 token for subject, valid for ttl. The probe CLI and
// tests use it; production tokens come from the account service.
func Issue(cfg Config, subject string, ttl time.Duration) (string, error) {
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	t := now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(t),
		ExpiresAt: jwt.NewNumericDate(t.Add(ttl)),
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
