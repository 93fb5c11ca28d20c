package auth

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/robertprast/edgesigner/pkg/edge"
)

const (
	// DefaultCookieName is the cookie carrying the session JWT.
	DefaultCookieName = "x-auth"

	cookieHeader = "cookie"
)

var bearerPrefix = regexp.MustCompile(`(?i)^bearer\s+`)

// CookieValue returns the value of the cookie called name. Every entry of the
// cookie header is scanned; within an entry cookies are ';' separated
// key=value pairs. Pairs with an empty key or value are ignored and the last
// occurrence of name wins.
func CookieValue(headers *edge.Headers, name string) (string, error) {
	entries := headers.Get(cookieHeader)

	present := false
	value := ""
	found := false
	for _, entry := range entries {
		if strings.TrimSpace(entry.Value) == "" {
			continue
		}
		present = true
		for _, pair := range strings.Split(entry.Value, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				continue
			}
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k == "" || v == "" || k != name {
				continue
			}
			value, found = v, true
		}
	}

	if !present {
		return "", edge.NewError(edge.CodeMissingCookieHeader, "missing cookie header in request")
	}
	if !found {
		return "", edge.NewError(edge.CodeMissingAuthCookie, "missing %s cookie in request", name)
	}
	return value, nil
}

// BearerToken turns a cookie value into the raw token: percent-encoding is
// undone and a case-insensitive "Bearer " marker is removed.
func BearerToken(value string) string {
	if strings.Contains(value, "%") {
		if unescaped, err := url.PathUnescape(value); err == nil {
			value = unescaped
		}
	}
	return bearerPrefix.ReplaceAllString(strings.TrimSpace(value), "")
}
