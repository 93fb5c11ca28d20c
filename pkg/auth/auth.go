// Package auth gates protected routes on a session JWT carried in a cookie.
// Verification is local: the token is checked against a shared HMAC secret,
// no identity provider is contacted.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/robertprast/edgesigner/pkg/edge"
)

// maxTokenLength bounds the work done on attacker supplied input.
const maxTokenLength = 8192

// Extractor pulls the session token out of the request cookies and verifies
// it.
type Extractor struct {
	cookieName string
	verifier   TokenVerifier
}

// NewExtractor returns an Extractor reading cookieName, or DefaultCookieName
// when empty.
func NewExtractor(cookieName string, verifier TokenVerifier) *Extractor {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Extractor{cookieName: cookieName, verifier: verifier}
}

// CookieName returns the cookie the extractor reads.
func (x *Extractor) CookieName() string {
	return x.cookieName
}

// Authenticate returns the claims of a valid session token found in headers.
// Failures are *edge.Error values with code MissingCookieHeader,
// MissingAuthCookie or InvalidToken.
func (x *Extractor) Authenticate(headers *edge.Headers) (*jwt.RegisteredClaims, error) {
	value, err := CookieValue(headers, x.cookieName)
	if err != nil {
		return nil, err
	}

	token := BearerToken(value)
	switch {
	case token == "":
		return nil, edge.NewError(edge.CodeInvalidToken, "empty token in %s cookie", x.cookieName)
	case len(token) > maxTokenLength:
		return nil, edge.NewError(edge.CodeInvalidToken, "token exceeds %d bytes", maxTokenLength)
	case strings.ContainsAny(token, "\r\n\t "):
		return nil, edge.NewError(edge.CodeInvalidToken, "token contains whitespace")
	}

	if x.verifier == nil {
		return nil, edge.NewError(edge.CodeInvalidToken, "no token verifier configured")
	}
	claims, err := x.verifier.Verify(token)
	if err != nil {
		return nil, edge.WrapError(edge.CodeInvalidToken, err, "verifying %s cookie", x.cookieName)
	}
	return claims, nil
}
