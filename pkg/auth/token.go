package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrEmptySecret is returned when a verifier is built without a secret.
var ErrEmptySecret = errors.New("jwt secret is required")

var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// TokenVerifier checks a session token and returns its registered claims.
type TokenVerifier interface {
	Verify(token string) (*jwt.RegisteredClaims, error)
}

// Verifier validates HMAC signed JWTs against a shared secret. Signature,
// expiry and not-before are checked locally; it is safe for concurrent use.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

type verifierOptions struct {
	leeway time.Duration
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*verifierOptions)

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *verifierOptions) { o.leeway = d }
}

// WithClock overrides the time source used for exp and nbf.
func WithClock(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) { o.now = now }
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	o := verifierOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods(hmacMethods),
			jwt.WithLeeway(o.leeway),
			jwt.WithTimeFunc(o.now),
		),
	}, nil
}

// Verify parses token and checks its signature and time claims.
func (v *Verifier) Verify(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
