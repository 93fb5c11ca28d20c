package dispatch

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/robertprast/edgesigner/pkg/edge"
)

// StatusFor maps an error code to the HTTP status of the rejection response.
func StatusFor(code edge.Code) int {
	switch code {
	case edge.CodeMissingCookieHeader, edge.CodeMissingAuthCookie, edge.CodeInvalidToken:
		return http.StatusUnauthorized
	case edge.CodeTruncatedBody:
		return http.StatusRequestEntityTooLarge
	case edge.CodeSigning:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Reject builds the response returned in place of the request when a
// protected route fails under FailClosed. Only the error code is exposed.
func Reject(err error) *edge.Response {
	code := edge.CodeOf(err)
	if code == "" {
		code = edge.CodeUnexpected
	}
	status := StatusFor(code)

	body, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: string(code)})

	headers := edge.NewHeaders(
		"Content-Type", "application/json",
		"Cache-Control", "no-store",
	)
	if status == http.StatusUnauthorized {
		headers.Set("WWW-Authenticate", `Bearer realm="edge"`)
	}

	return &edge.Response{
		Status:            strconv.Itoa(status),
		StatusDescription: http.StatusText(status),
		Headers:           headers,
		Body:              string(body),
	}
}
